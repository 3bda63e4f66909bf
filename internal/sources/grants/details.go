package grants

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Details is the live grant data returned by the grants.gov fetchOpportunity
// API. It is shown alongside a stored grant and never persisted.
type Details struct {
	OpportunityNumber         string       `json:"opportunity_number"`
	SynopsisDescription       string       `json:"synopsis_description"`
	Eligibility               string       `json:"eligibility"`
	FundingInstruments        []string     `json:"funding_instruments"`
	FundingActivityCategories []string     `json:"funding_activity_categories"`
	AwardCeiling              string       `json:"award_ceiling"`
	AwardFloor                string       `json:"award_floor"`
	NumberOfAwards            string       `json:"num_awards"`
	ContactName               string       `json:"contact_name"`
	ContactEmail              string       `json:"contact_email"`
	ContactPhone              string       `json:"contact_phone"`
	ApplyURL                  string       `json:"apply_url"`
	Attachments               []Attachment `json:"attachments"`
}

type Attachment struct {
	FileName        string `json:"file_name"`
	FileDescription string `json:"file_description"`
	FileURL         string `json:"file_url"`
}

// flexString accepts a JSON string, number or null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

type describedItem struct {
	Description string `json:"description"`
}

type fetchOpportunityResponse struct {
	Data struct {
		OpportunityNumber string `json:"opportunityNumber"`
		Synopsis          struct {
			SynopsisDesc             string          `json:"synopsisDesc"`
			ApplicantEligibilityDesc string          `json:"applicantEligibilityDesc"`
			FundingInstruments       []describedItem `json:"fundingInstruments"`
			AwardCeilingFormatted    string          `json:"awardCeilingFormatted"`
			AwardFloorFormatted      string          `json:"awardFloorFormatted"`
			NumberOfAwards           flexString      `json:"numberOfAwards"`
			AgencyContactName        string          `json:"agencyContactName"`
			AgencyContactEmail       string          `json:"agencyContactEmail"`
			AgencyContactPhone       string          `json:"agencyContactPhone"`
			FundingDescLinkURL       string          `json:"fundingDescLinkUrl"`
		} `json:"synopsis"`
		FundingActivityCategories []describedItem `json:"fundingActivityCategories"`
		SynopsisAttachmentFolders []struct {
			SynopsisAttachments []struct {
				FileName        string `json:"fileName"`
				FileDescription string `json:"fileDescription"`
				FileURL         string `json:"fileUrl"`
			} `json:"synopsisAttachments"`
		} `json:"synopsisAttachmentFolders"`
	} `json:"data"`
}

// Details fetches live details for a grant id.
func (s *Source) Details(ctx context.Context, opportunityID string) (*Details, error) {
	body, err := json.Marshal(map[string]string{"opportunityId": opportunityID})
	if err != nil {
		return nil, fmt.Errorf("encoding details request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.DetailsURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building details request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching grant details: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching grant details: HTTP %d", resp.StatusCode)
	}

	var raw fetchOpportunityResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding grant details: %w", err)
	}

	d := raw.Data
	out := &Details{
		OpportunityNumber:         d.OpportunityNumber,
		SynopsisDescription:       d.Synopsis.SynopsisDesc,
		Eligibility:               d.Synopsis.ApplicantEligibilityDesc,
		FundingInstruments:        descriptions(d.Synopsis.FundingInstruments),
		FundingActivityCategories: descriptions(d.FundingActivityCategories),
		AwardCeiling:              d.Synopsis.AwardCeilingFormatted,
		AwardFloor:                d.Synopsis.AwardFloorFormatted,
		NumberOfAwards:            string(d.Synopsis.NumberOfAwards),
		ContactName:               d.Synopsis.AgencyContactName,
		ContactEmail:              d.Synopsis.AgencyContactEmail,
		ContactPhone:              d.Synopsis.AgencyContactPhone,
		ApplyURL:                  d.Synopsis.FundingDescLinkURL,
		Attachments:               make([]Attachment, 0),
	}
	for _, folder := range d.SynopsisAttachmentFolders {
		for _, a := range folder.SynopsisAttachments {
			out.Attachments = append(out.Attachments, Attachment{
				FileName:        a.FileName,
				FileDescription: a.FileDescription,
				FileURL:         a.FileURL,
			})
		}
	}
	return out, nil
}

func descriptions(items []describedItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Description)
	}
	return out
}
