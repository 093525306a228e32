package catalog

var DefaultCategories = []Category{
	{Key: "driver_license_first_time", Name: "Driver License - First Time", Description: "New driver over 18, new N.C. resident, REAL ID"},
	{Key: "driver_license_duplicate", Name: "Driver License Duplicate", Description: "Replace lost or stolen license, change name or address, REAL ID"},
	{Key: "driver_license_renewal", Name: "Driver License Renewal", Description: "Renew an existing license without any changes, REAL ID"},
	{Key: "fees", Name: "Fees", Description: "License reinstatement appointment, administrative hearings, and medical certifications"},
	{Key: "id_card", Name: "ID Card", Description: "State ID card, REAL ID"},
	{Key: "knowledge_computer_test", Name: "Knowledge/Computer Test", Description: "Written, traffic signs, vision"},
	{Key: "legal_presence", Name: "Legal Presence", Description: "For non-citizens to prove they are legally authorized to be in the U.S."},
	{Key: "motorcycle_skills_test", Name: "Motorcycle Skills Test", Description: "Schedule a motorcycle driving skills test"},
	{Key: "non_cdl_road_test", Name: "Non-CDL Road Test", Description: "Schedule a driving skills test"},
	{Key: "permits", Name: "Permits", Description: "Adult permit, CDL"},
	{Key: "teen_driver_level_1", Name: "Teen Driver Level 1", Description: "Limited learner permit - ages 15-17"},
	{Key: "teen_driver_level_2", Name: "Teen Driver Level 2", Description: "Limited provisional license - ages 16-17; Level 1 permit"},
	{Key: "teen_driver_level_3", Name: "Teen Driver Level 3", Description: "Full provisional license - ages 16-17; Level 2 license"},
}

var DefaultLocations = []string{
	"Aberdeen", "Ahoskie", "Albemarle", "Andrews", "Asheboro",
	"Asheville", "Boone", "Brevard", "Bryson City", "Burgaw",
	"Burnsville", "Carrboro", "Cary", "Charlotte East", "Charlotte North",
	"Charlotte South", "Charlotte West", "Clayton", "Clinton", "Clyde",
	"Concord", "Durham East", "Durham South", "Elizabeth City", "Elizabethtown",
	"Elkin", "Erwin", "Fayetteville South", "Fayetteville West", "Forest City",
	"Franklin", "Fuquay-Varina", "Garner", "Gastonia", "Goldsboro",
	"Graham", "Greensboro East", "Greensboro West", "Greenville", "Hamlet",
	"Havelock", "Henderson", "Hendersonville", "Hickory", "High Point",
	"Hillsborough", "Hudson", "Huntersville", "Jacksonville", "Jefferson",
	"Kernersville", "Kinston", "Lexington", "Lincolnton", "Louisburg",
	"Lumberton", "Marion", "Marshall", "Mocksville", "Monroe",
	"Mooresville", "Morehead City", "Morganton", "Mount Airy", "Mount Holly",
	"Nags Head", "New Bern", "Newton", "Oxford", "Polkton",
	"Raleigh North", "Raleigh West", "Roanoke Rapids", "Rocky Mount", "Roxboro",
	"Salisbury", "Sanford", "Shallotte", "Shelby", "Siler City",
	"Smithfield", "Statesville", "Stedman", "Sylva", "Tarboro",
	"Taylorsville", "Thomasville", "Troy", "Washington", "Wendell",
	"Wentworth", "Whiteville", "Wilkesboro", "Williamston", "Wilmington North",
	"Wilmington South", "Wilson", "Winston Salem North", "Winston Salem South", "Yadkinville",
}
