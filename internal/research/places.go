package research

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/jononovo/send-claw2-sub007/internal/model"
	"github.com/jononovo/send-claw2-sub007/pkg/google"
)

// PlacesProvider looks companies up in Google Places. It has nothing to say
// about people and returns no research for contacts.
type PlacesProvider struct {
	client google.Client
}

// NewPlacesProvider wraps a Google Places client.
func NewPlacesProvider(client google.Client) *PlacesProvider {
	return &PlacesProvider{client: client}
}

// Name implements Provider.
func (p *PlacesProvider) Name() string { return "google" }

// Research implements Provider.
func (p *PlacesProvider) Research(ctx context.Context, e model.CandidateEntity) ([]model.ResearchChunk, error) {
	if e.Type != model.QueryTypeCompany {
		return nil, nil
	}
	resp, err := p.client.TextSearch(ctx, e.Name)
	if err != nil {
		return nil, eris.Wrap(err, "google: places research")
	}
	if len(resp.Places) == 0 {
		return nil, nil
	}

	// Only the best match; later hits are usually unrelated businesses.
	place := resp.Places[0]
	text := place.Describe()
	if text == "" {
		return nil, nil
	}
	return []model.ResearchChunk{{
		Text:       text,
		Provenance: model.Provenance{SourceURL: place.WebsiteURI},
	}}, nil
}
