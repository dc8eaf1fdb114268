package service

import (
	"context"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/linkresolver/internal/model"
	"github.com/sells-group/linkresolver/internal/resolver"
)

// TypeStatic is the services.yaml type of Static.
const TypeStatic = "Static"

// Static adds one configured link to every request, such as an "ask a
// librarian" page or a catalog search. The url may contain {title} and
// {creator}, which are replaced with the query-escaped citation values, and
// {openurl}, replaced with the request as an encoded OpenURL 1.0 query.
//
//	ask_librarian:
//	  type: Static
//	  display_text: Ask a librarian
//	  url: https://library.example.edu/ask
//	  service_type: help
type Static struct {
	id          string
	displayText string
	url         string
	notes       string
	types       []model.TypeLabel
}

// NewStatic builds a Static service from its definition.
func NewStatic(def model.ServiceDef) (resolver.Service, error) {
	s := &Static{
		id:          def.ID,
		displayText: def.OptionString("display_text", def.ID),
		url:         def.OptionString("url", ""),
		notes:       def.OptionString("notes", ""),
	}
	if s.url == "" {
		return nil, eris.Errorf("service: static service %s needs a url", def.ID)
	}
	for _, t := range def.OptionStrings("service_type", []string{"web_link"}) {
		s.types = append(s.types, model.TypeLabel(t))
	}
	return s, nil
}

func (s *Static) ID() string                     { return s.id }
func (s *Static) ResultTypes() []model.TypeLabel { return s.types }

// Handle adds the link, filled in from the request's citation.
func (s *Static) Handle(ctx context.Context, req *resolver.Request) error {
	link := s.url
	if strings.Contains(link, "{") {
		c, err := req.Citation(ctx)
		if err != nil {
			return err
		}
		var title, creator string
		if c != nil {
			title, creator = c.Title(), c.Creator()
		}
		var openurl string
		if strings.Contains(link, "{openurl}") {
			co, err := req.ContextObject(ctx)
			if err != nil {
				return err
			}
			openurl = co.Encode()
		}
		link = strings.NewReplacer(
			"{title}", url.QueryEscape(title),
			"{creator}", url.QueryEscape(creator),
			"{openurl}", openurl,
		).Replace(link)
	}

	payload := model.Payload{
		model.PayloadDisplayText: s.displayText,
		model.PayloadURL:         link,
	}
	if s.notes != "" {
		payload[model.PayloadNotes] = s.notes
	}
	_, err := req.AddResponse(ctx, s.id, s.types, payload)
	return err
}
