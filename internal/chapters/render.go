package chapters

import (
	"strings"
	"text/template"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
)

const (
	// MaxTitleRunes is the destination's title limit.
	MaxTitleRunes = 100
	// MaxDescriptionBytes is the destination's description limit.
	MaxDescriptionBytes = 5000
	// FallbackTitle is used when a rendered title is empty.
	FallbackTitle = "Live stream"

	DefaultTitleTemplate       = `{{.Title}}{{if gt .Part 1}} (part {{.Part}}){{end}}`
	DefaultDescriptionTemplate = `{{.Title}}
Streamed live on {{.Date}}{{if .Games}} playing {{join .Games ", "}}{{end}}.
{{if .Chapters}}
{{.Chapters}}
{{end}}`
)

// Data is what title and description templates can reference.
type Data struct {
	Title    string
	Game     string
	Part     int
	Date     string
	Chapters string
	Games    []string
}

// NewData fills Data for a part that started at start.
func NewData(title, game string, part int, start time.Time, chapterText string, games []string) Data {
	return Data{
		Title:    title,
		Game:     game,
		Part:     part,
		Date:     start.UTC().Format("2006-01-02"),
		Chapters: chapterText,
		Games:    games,
	}
}

// Renderer holds parsed title and description templates.
type Renderer struct {
	title       *template.Template
	description *template.Template
}

var funcs = template.FuncMap{"join": strings.Join}

// NewRenderer parses the two templates. Empty strings select the
// defaults.
func NewRenderer(titleTmpl, descriptionTmpl string) (*Renderer, error) {
	if strings.TrimSpace(titleTmpl) == "" {
		titleTmpl = DefaultTitleTemplate
	}
	if strings.TrimSpace(descriptionTmpl) == "" {
		descriptionTmpl = DefaultDescriptionTemplate
	}
	t, err := template.New("title").Funcs(funcs).Option("missingkey=zero").Parse(titleTmpl)
	if err != nil {
		return nil, errors.Wrap(err, "parse title template")
	}
	d, err := template.New("description").Funcs(funcs).Option("missingkey=zero").Parse(descriptionTmpl)
	if err != nil {
		return nil, errors.Wrap(err, "parse description template")
	}
	return &Renderer{title: t, description: d}, nil
}

// Title renders a part title. It is never empty and never longer than
// MaxTitleRunes.
func (r *Renderer) Title(d Data) string {
	var b strings.Builder
	if err := r.title.Execute(&b, d); err != nil {
		b.Reset()
		b.WriteString(d.Title)
	}
	title := strings.Join(strings.Fields(sanitize(b.String())), " ")
	if title == "" {
		return FallbackTitle
	}
	return truncateRunes(title, MaxTitleRunes)
}

// Description renders a part description within MaxDescriptionBytes.
func (r *Renderer) Description(d Data) (string, error) {
	var b strings.Builder
	if err := r.description.Execute(&b, d); err != nil {
		return "", errors.Wrap(err, "render description")
	}
	return truncateBytes(strings.TrimSpace(sanitize(b.String())), MaxDescriptionBytes), nil
}

// The destination rejects angle brackets in titles and descriptions.
func sanitize(s string) string {
	return strings.NewReplacer("<", "", ">", "").Replace(s)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return strings.TrimSpace(s[:pos])
		}
		i++
	}
	return s
}

func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
