package notifier

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"fleetstat/internal/protocol"
)

// DefaultTemplate renders a one-line human message; Custom events only
// produce output when the host carries custom text.
const DefaultTemplate = `{{if eq .Event "NodeDown"}}❗{{.Host.Alias}} ({{.Host.Location}}) is offline at {{.Time}}
{{else if eq .Event "NodeUp"}}✅{{.Host.Alias}} ({{.Host.Location}}) is back online at {{.Time}}
{{else}}{{.Host.Custom}}{{end}}`

// TemplateData is what sink templates are rendered against
type TemplateData struct {
	Event   string
	Time    string
	Host    *protocol.HostState
	IpInfo  *protocol.IpInfo
	SysInfo *protocol.SysInfo
}

var templateFuncs = template.FuncMap{
	"bytes": func(v uint64) string { return HumanBytes(v, 1, false) },
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"join":  strings.Join,
}

// ParseTemplate compiles a sink template; an empty text selects DefaultTemplate
func ParseTemplate(name, text string) (*template.Template, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultTemplate
	}
	tpl, err := template.New(name).Funcs(templateFuncs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s template: %w", name, err)
	}
	return tpl, nil
}

// Render executes tpl for an event. Lines are trimmed and blank lines
// dropped, so an all-blank result means there is nothing to send.
func Render(tpl *template.Template, kind EventKind, host *protocol.HostState, now time.Time) (string, error) {
	var buf bytes.Buffer
	data := TemplateData{
		Event:   kind.String(),
		Time:    now.Format("2006-01-02 15:04:05 MST"),
		Host:    host,
		IpInfo:  host.IpInfo,
		SysInfo: host.SysInfo,
	}
	if err := tpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}

	lines := strings.Split(buf.String(), "\n")
	kept := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n"), nil
}

var byteSymbols = []string{"B", "K", "M", "G", "T", "P"}

// HumanBytes formats a byte count with binary (si=false) or decimal units
func HumanBytes(v uint64, precision int, si bool) string {
	base := 1024.0
	if si {
		base = 1000.0
	}
	unit := 1.0
	units := make([]float64, len(byteSymbols))
	for i := range byteSymbols {
		units[i] = unit
		unit *= base
	}
	for i := len(byteSymbols) - 1; i >= 0; i-- {
		if float64(v) >= units[i] {
			return fmt.Sprintf("%.*f%s", precision, float64(v)/units[i], byteSymbols[i])
		}
	}
	return fmt.Sprintf("%.*fB", precision, float64(v))
}
