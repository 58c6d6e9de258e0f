// Package document renders the purchased color guide.
package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/google/uuid"
	"github.com/zulandar/swatch/internal/models"
)

// Ref locates a generated document.
type Ref struct {
	URL      string
	Path     string
	FileName string
	MimeType string
}

// Generator produces a document from an analysis snapshot.
type Generator interface {
	Generate(ctx context.Context, snapshot *models.AnalysisRecord, userID string) (Ref, error)
}

// guideNamespace scopes the deterministic guide ids.
var guideNamespace = uuid.MustParse("6f1b3c52-7a0e-4d6b-9c55-2f4d8e1a9b30")

var guideTmpl = template.Must(template.New("guide").Parse(`# Your personal color guide

**Season:** {{.Season}}
**Undertone:** {{.Undertone}}
**Contrast:** {{.Contrast}}

{{.Summary}}

## Colors that love you
{{range .Palette}}
- {{.Name}} ` + "`{{.Hex}}`" + `{{end}}
{{if .Avoid}}
## Colors to keep away from your face
{{range .Avoid}}
- {{.Name}} ` + "`{{.Hex}}`" + `{{end}}
{{end}}`))

// MarkdownGenerator writes guides as Markdown files under Dir and serves
// them from BaseURL.
type MarkdownGenerator struct {
	dir     string
	baseURL string
}

// NewMarkdownGenerator creates dir if needed.
func NewMarkdownGenerator(dir, baseURL string) (*MarkdownGenerator, error) {
	if dir == "" {
		return nil, errors.New("document: output dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("document: create %s: %w", dir, err)
	}
	return &MarkdownGenerator{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Generate renders the guide. The file name is derived from the user and
// the snapshot, so regenerating the same order overwrites the same file.
func (g *MarkdownGenerator) Generate(ctx context.Context, snapshot *models.AnalysisRecord, userID string) (Ref, error) {
	if snapshot == nil {
		return Ref{}, errors.New("document: snapshot is required")
	}
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return Ref{}, fmt.Errorf("document: encode snapshot: %w", err)
	}
	id := uuid.NewSHA1(guideNamespace, append([]byte(userID+"\x00"), raw...))
	name := fmt.Sprintf("color-guide-%s.md", id)

	var b strings.Builder
	if err := guideTmpl.Execute(&b, snapshot); err != nil {
		return Ref{}, fmt.Errorf("document: render: %w", err)
	}

	path := filepath.Join(g.dir, name)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return Ref{}, fmt.Errorf("document: write %s: %w", path, err)
	}

	ref := Ref{Path: path, FileName: name, MimeType: "text/markdown"}
	if g.baseURL != "" {
		ref.URL = g.baseURL + "/" + name
	} else {
		ref.URL = "file://" + path
	}
	return ref, nil
}
