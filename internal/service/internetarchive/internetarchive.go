// Package internetarchive searches archive.org for digitized copies of the
// cited item.
package internetarchive

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/linkresolver/internal/config"
	"github.com/sells-group/linkresolver/internal/model"
	"github.com/sells-group/linkresolver/internal/resolver"
	"github.com/sells-group/linkresolver/internal/service"
	"github.com/sells-group/linkresolver/pkg/archive"
)

// Type is the services.yaml type of the Internet Archive service.
const Type = "InternetArchive"

const displayName = "Internet Archive"

// Labels the service produces.
const (
	LabelFulltext        model.TypeLabel = "fulltext"
	LabelAudio           model.TypeLabel = "audio"
	LabelHighlightedLink model.TypeLabel = "highlighted_link"
)

// collectionLabels are display names for well-known collections.
var collectionLabels = map[string]string{
	"animationandcartoons":     "Animation & Cartoons",
	"artsandmusicvideos":       "Arts & Music",
	"computersandtechvideos":   "Computers & Technology",
	"culturalandacademicfilms": "Cultural & Academic Films",
	"ephemera":                 "Ephemeral Films",
	"moviesandfilms":           "Movies",
	"newsandpublicaffairs":     "News & Public Affairs",
	"foreignlanguagevideos":    "Non-English Videos",
	"opensource_movies":        "Open Source Movies",
	"prelinger":                "Prelinger Archives",
	"sports":                   "Sports Videos",
	"gamevideos":               "Video Games",
	"vlogs":                    "Vlogs",
	"youth_media":              "Youth Media",
	"americana":                "American Libraries",
	"toronto":                  "Canadian Libraries",
	"opensource":               "Open Source Books",
	"gutenberg":                "Project Gutenberg",
	"biodiversity":             "Biodiversity Heritage Library",
	"iacl":                     "Children's Library",
	"additional_collections":   "Additional Collections",
	"audio_bookspoetry":        "Audio Books & Poetry",
	"audio_tech":               "Computers & Technology",
	"GratefulDead":             "Grateful Dead",
	"etree":                    "Live Music Archive",
	"audio_music":              "Music & Arts",
	"netlabels":                "Netlabels",
	"audio_news":               "News & Public Affairs",
	"audio_foreign":            "Non-English Audio",
	"opensource_audio":         "Open Source Audio",
	"audio_podcast":            "Podcasts",
	"radioprograms":            "Radio Programs",
	"audio_religion":           "Spirituality & Religion",
	"librivoxaudio":            "LibriVox",
	"millionbooks":             "Million Book Project",
}

// Service searches each configured mediatype by title and creator.
type Service struct {
	id          string
	client      archive.Client
	numResults  int
	mediatypes  []string
	showWebLink bool
}

// New creates the service. Options in def override the defaults in cfg.
func New(def model.ServiceDef, client archive.Client, cfg config.InternetArchiveConfig) *Service {
	numResults := cfg.NumResults
	if numResults <= 0 {
		numResults = 3
	}
	mediatypes := cfg.Mediatypes
	if len(mediatypes) == 0 {
		mediatypes = []string{"texts", "audio"}
	}
	return &Service{
		id:          def.ID,
		client:      client,
		numResults:  def.OptionInt("num_results", numResults),
		mediatypes:  def.OptionStrings("mediatypes", mediatypes),
		showWebLink: def.OptionBool("show_web_link", cfg.ShowWebLink),
	}
}

// Factory returns a service.Factory that builds Internet Archive services
// sharing client.
func Factory(client archive.Client, cfg config.InternetArchiveConfig) service.Factory {
	return func(def model.ServiceDef) (resolver.Service, error) {
		return New(def, client, cfg), nil
	}
}

func (s *Service) ID() string { return s.id }

func (s *Service) ResultTypes() []model.TypeLabel {
	return []model.TypeLabel{LabelFulltext, LabelAudio, LabelHighlightedLink}
}

// Handle adds one response per hit and, when there are more hits than
// shown, a link to the full result list. A citation without a title is
// not searched.
func (s *Service) Handle(ctx context.Context, req *resolver.Request) error {
	c, err := req.Citation(ctx)
	if err != nil {
		return err
	}
	if c == nil {
		return eris.Errorf("internetarchive: request %s has no citation", req.ID)
	}
	title, creator := SearchTerms(c)
	if title == "" {
		zap.L().Debug("internetarchive: no title, skipping search", zap.String("request_id", req.ID))
		return nil
	}

	for _, mediatype := range s.mediatypes {
		query := archive.Query(title, creator, mediatype)
		resp, err := s.client.Search(ctx, query, s.numResults)
		if err != nil {
			return eris.Wrapf(err, "internetarchive: search %s", mediatype)
		}
		docs := resp.Response.Docs

		if s.showWebLink && len(docs) > 0 && s.numResults < resp.Response.NumFound {
			if _, err := req.AddResponse(ctx, s.id, []model.TypeLabel{LabelHighlightedLink}, model.Payload{
				model.PayloadDisplayText: fmt.Sprintf("All %d results from the Internet Archive (%s)", resp.Response.NumFound, mediatype),
				model.PayloadURL:         s.client.WebSearchURL(query),
			}); err != nil {
				return err
			}
		}

		label := LabelFulltext
		if mediatype == "audio" {
			label = LabelAudio
		}
		for _, doc := range docs {
			if _, err := req.AddResponse(ctx, s.id, []model.TypeLabel{label}, model.Payload{
				model.PayloadDisplayText: resultDisplayName(doc),
				model.PayloadURL:         s.client.DetailsURL(doc.Identifier),
				model.PayloadNotes:       resultNote(doc, mediatype),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// SearchTerms returns the title (without subtitle) and the creator's last
// name to search with.
func SearchTerms(c *model.Citation) (title, creator string) {
	title = strings.TrimSpace(c.Title())
	if i := strings.Index(title, ":"); i > 0 {
		title = strings.TrimSpace(title[:i])
	}
	creator = strings.TrimSpace(c.Metadata["aulast"])
	if creator == "" {
		creator = strings.TrimSpace(c.Creator())
	}
	return title, creator
}

func resultDisplayName(doc archive.Doc) string {
	if len(doc.Collection) == 0 || doc.Collection[0] == "" {
		return displayName
	}
	coll := doc.Collection[0]
	if label, ok := collectionLabels[coll]; ok {
		return displayName + ": " + label
	}
	return displayName + ": " + cases.Title(language.English).String(strings.ReplaceAll(coll, "_", " "))
}

func resultNote(doc archive.Doc, mediatype string) string {
	note := doc.Title
	if len(doc.Creator) > 0 {
		note += " by " + strings.Join(doc.Creator, ", ")
	}
	return note + " (" + mediatype + ")"
}
