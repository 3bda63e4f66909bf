package matcher

import "github.com/propbot/propbot/internal/opportunity"

var defaultNAICS = [][2]string{
	{"541512", "Computer Systems Design Services"},
	{"541511", "Custom Computer Programming Services"},
	{"541519", "Other Computer Related Services"},
	{"518210", "Data Processing, Hosting, and Related Services"},
	{"541513", "Computer Facilities Management Services"},
	{"541690", "Other Scientific and Technical Consulting Services"},
	{"517110", "Wired Telecommunications Carriers"},
	{"517210", "Wireless Telecommunications Carriers"},
	{"519190", "All Other Information Services"},
	{"541330", "Engineering Services"},
}

var defaultKeywords = [][2]string{
	{"kubernetes", "Container orchestration platform"},
	{"openshift", "Red Hat container platform"},
	{"devops", "Development and operations practices"},
	{"docker", "Container technology"},
	{"container", "Containerization technology"},
	{"cloud infrastructure", "Cloud computing infrastructure"},
	{"platform automation", "Automated platform deployment"},
	{"aws", "Amazon Web Services"},
	{"azure", "Microsoft Azure cloud"},
	{"gcp", "Google Cloud Platform"},
	{"terraform", "Infrastructure as code tool"},
	{"ansible", "Configuration management and automation"},
	{"ci/cd", "Continuous integration and deployment"},
	{"cicd", "Continuous integration and deployment"},
	{"microservices", "Microservices architecture"},
	{"infrastructure as code", "IaC practices"},
	{"cloud native", "Cloud-native application development"},
	{"devsecops", "Security-integrated DevOps"},
	{"site reliability", "Site reliability engineering"},
	{"sre", "Site reliability engineering"},
	{"linux", "Linux operating system"},
	{"red hat", "Red Hat enterprise solutions"},
	{"vmware", "Virtualization platform"},
	{"networking", "Network infrastructure"},
	{"cybersecurity", "Information security"},
	{"zero trust", "Zero trust security architecture"},
}

// DefaultFilters returns the stock capability filter set for IT
// infrastructure, cloud and DevOps work, NAICS codes first.
func DefaultFilters() []opportunity.CapabilityFilter {
	out := make([]opportunity.CapabilityFilter, 0, len(defaultNAICS)+len(defaultKeywords))
	for _, f := range defaultNAICS {
		out = append(out, opportunity.CapabilityFilter{FilterType: opportunity.FilterNAICS, Value: f[0], Description: f[1], Active: true})
	}
	for _, f := range defaultKeywords {
		out = append(out, opportunity.CapabilityFilter{FilterType: opportunity.FilterKeyword, Value: f[0], Description: f[1], Active: true})
	}
	return out
}
