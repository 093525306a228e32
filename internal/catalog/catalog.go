// Package catalog holds the static category and location catalogs the
// monitor covers. Both are immutable at runtime.
package catalog

import (
	"fmt"
	"strings"
)

// Category is a service type offered for appointment booking.
type Category struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Catalog is an ordered, read-only set of categories and known locations.
type Catalog struct {
	categories []Category
	byKey      map[string]int
	locations  []string
	locIndex   map[string]struct{}
}

// New builds a catalog. Duplicate category keys or locations are rejected.
func New(categories []Category, locations []string) (*Catalog, error) {
	c := &Catalog{
		categories: make([]Category, 0, len(categories)),
		byKey:      make(map[string]int, len(categories)),
		locations:  make([]string, 0, len(locations)),
		locIndex:   make(map[string]struct{}, len(locations)),
	}
	for _, cat := range categories {
		key := strings.TrimSpace(cat.Key)
		if key == "" {
			return nil, fmt.Errorf("catalog: category with empty key")
		}
		if _, dup := c.byKey[key]; dup {
			return nil, fmt.Errorf("catalog: duplicate category %q", key)
		}
		if strings.TrimSpace(cat.Name) == "" {
			cat.Name = key
		}
		cat.Key = key
		c.byKey[key] = len(c.categories)
		c.categories = append(c.categories, cat)
	}
	for _, loc := range locations {
		loc = strings.TrimSpace(loc)
		if loc == "" {
			continue
		}
		if _, dup := c.locIndex[loc]; dup {
			return nil, fmt.Errorf("catalog: duplicate location %q", loc)
		}
		c.locIndex[loc] = struct{}{}
		c.locations = append(c.locations, loc)
	}
	return c, nil
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := New(DefaultCategories, DefaultLocations)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) Categories() []Category {
	return append([]Category(nil), c.categories...)
}

func (c *Catalog) Category(key string) (Category, bool) {
	i, ok := c.byKey[strings.TrimSpace(key)]
	if !ok {
		return Category{}, false
	}
	return c.categories[i], true
}

// Name returns the display name for key, or key itself when unknown.
func (c *Catalog) Name(key string) string {
	if cat, ok := c.Category(key); ok {
		return cat.Name
	}
	return key
}

func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.categories))
	for _, cat := range c.categories {
		out = append(out, cat.Name)
	}
	return out
}

func (c *Catalog) Locations() []string {
	return append([]string(nil), c.locations...)
}

func (c *Catalog) KnownLocation(name string) bool {
	_, ok := c.locIndex[name]
	return ok
}

// Partition splits categories across n workers round-robin, preserving catalog
// order inside each partition. n <= 0 is treated as 1; empty partitions are dropped.
func Partition(categories []Category, n int) [][]Category {
	if n <= 0 {
		n = 1
	}
	if n > len(categories) {
		n = len(categories)
	}
	out := make([][]Category, n)
	for i, cat := range categories {
		out[i%n] = append(out[i%n], cat)
	}
	res := out[:0]
	for _, p := range out {
		if len(p) > 0 {
			res = append(res, p)
		}
	}
	return res
}

// Resolve maps explicit key partitions onto catalog categories.
// Unknown keys and keys assigned to more than one partition are errors.
func (c *Catalog) Resolve(partitions [][]string) ([][]Category, error) {
	seen := map[string]int{}
	out := make([][]Category, 0, len(partitions))
	for i, keys := range partitions {
		part := make([]Category, 0, len(keys))
		for _, k := range keys {
			cat, ok := c.Category(k)
			if !ok {
				return nil, fmt.Errorf("partition %d: unknown category %q", i, k)
			}
			if prev, dup := seen[cat.Key]; dup {
				return nil, fmt.Errorf("partition %d: category %q already assigned to partition %d", i, cat.Key, prev)
			}
			seen[cat.Key] = i
			part = append(part, cat)
		}
		if len(part) > 0 {
			out = append(out, part)
		}
	}
	return out, nil
}
