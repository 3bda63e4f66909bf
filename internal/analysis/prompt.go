package analysis

import (
	"strconv"
	"strings"

	"github.com/propbot/propbot/internal/opportunity"
)

const truncationMarker = "\n\n[... truncated ...]"

// SystemPrompt instructs the model to answer with the analysis JSON object.
const SystemPrompt = `You are an expert government contracting analyst helping a small business identify and evaluate federal contract and grant opportunities.

Analyze the given opportunity against the company's profile and provide:

1. A brief 2-3 sentence summary of what this opportunity is about
2. A fit score from 1-10 (10 = perfect match for the company's capabilities)
3. Brief reasoning for the score
4. Key requirements extracted from the opportunity
5. Any red flags or potential disqualifiers
6. Recommended action: "pursue", "research", or "skip"

Respond in JSON format with these exact keys:
{
    "summary": "string",
    "fit_score": number,
    "fit_reasoning": "string",
    "key_requirements": ["requirement1", "requirement2"],
    "red_flags": ["flag1", "flag2"],
    "recommended_action": "pursue" | "research" | "skip"
}

Be concise but thorough. Focus on actionable insights.`

// BuildPrompt renders the user message for one analysis. Stored document
// text is appended under its own heading and cut at maxDocChars characters.
// A nil profile is rendered as a placeholder section.
func BuildPrompt(o *opportunity.Opportunity, p *opportunity.CompanyProfile, docs []opportunity.Document, maxDocChars int) string {
	var b strings.Builder

	if p != nil {
		b.WriteString("## COMPANY PROFILE: " + p.CompanyName + "\n\n")
		field(&b, "Owner", p.OwnerName)
		field(&b, "Location", p.Location)
		field(&b, "Clearance Level", p.ClearanceLevel)
		b.WriteString("\n")
		list(&b, "Capabilities", p.Capabilities)
		list(&b, "Technical Skills", p.TechnicalSkills)
		list(&b, "Relevant NAICS Codes", p.NAICSCodes)
		list(&b, "Past Performance", p.PastPerformance)
		list(&b, "Certifications", p.Certifications)
		list(&b, "Constraints", p.Constraints)
		b.WriteString("**Company Summary:**\n" + orNA(p.Summary) + "\n")
	} else {
		b.WriteString("## COMPANY PROFILE\n\nNo company profile is configured. Judge fit on general IT and cloud infrastructure capability.\n")
	}

	b.WriteString("\n---\n\n## OPPORTUNITY DETAILS\n\n")
	field(&b, "Title", o.Title)
	field(&b, "Source", string(o.Source))
	field(&b, "Agency", o.Agency)
	field(&b, "Notice Type", o.NoticeType)
	field(&b, "NAICS Code", o.NAICSCode)
	if len(o.CFDANumbers) > 0 {
		field(&b, "CFDA Numbers", strings.Join(o.CFDANumbers, ", "))
	}
	deadline := ""
	if o.Deadline != nil {
		deadline = o.Deadline.Format("2006-01-02")
	}
	field(&b, "Deadline", deadline)
	funding := ""
	if o.FundingAmount != nil {
		funding = "$" + strconv.FormatInt(*o.FundingAmount, 10)
	}
	field(&b, "Funding Amount", funding)

	desc := o.Description
	if desc == "" {
		desc = "No description available"
	}
	b.WriteString("\n**Description:**\n" + desc + "\n\n")
	field(&b, "URL", o.URL)

	if text := documentText(docs); text != "" {
		b.WriteString("\n---\n\n## ATTACHED DOCUMENTS\n\n")
		b.WriteString(truncate(text, maxDocChars))
		b.WriteString("\n")
	}
	return b.String()
}

// documentText joins the extracted text of each document under a header
// naming the file and its type.
func documentText(docs []opportunity.Document) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		if strings.TrimSpace(d.ContentText) == "" {
			continue
		}
		parts = append(parts, "=== "+d.Filename+" ("+d.DocumentType+") ===\n"+d.ContentText)
	}
	return strings.Join(parts, "\n\n")
}

// truncate cuts s to max characters, counting runes.
func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i] + truncationMarker
		}
		n++
	}
	return s
}

func field(b *strings.Builder, label, value string) {
	b.WriteString("**" + label + ":** " + orNA(value) + "\n")
}

func list(b *strings.Builder, label string, items []string) {
	b.WriteString("**" + label + ":**\n")
	if len(items) == 0 {
		b.WriteString("- N/A\n\n")
		return
	}
	for _, it := range items {
		b.WriteString("- " + it + "\n")
	}
	b.WriteString("\n")
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}
