package recipe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/opencontainers/go-digest"
)

const containerfileTemplate = "templates/Containerfile.tmpl"

// Rendered is a rendered Containerfile and its content digest.
type Rendered struct {
	Containerfile []byte
	Digest        digest.Digest
}

type keyValue struct {
	Key   string
	Value string
}

type templateData struct {
	Name       string
	Variant    Variant
	BaseImage  string
	Labels     []keyValue
	WorkDir    string
	Env        []keyValue
	Manifest   string
	Install    string
	Executable string
	DataDir    string
	User       string
	UserAdd    string
	Cmd        string
}

// Render produces the Containerfile. Identical recipes render identical bytes.
func (r Recipe) Render() (Rendered, error) {
	if err := r.Validate(); err != nil {
		return Rendered{}, fmt.Errorf("invalid recipe: %w", err)
	}
	cmd, err := execForm(r.Entrypoint())
	if err != nil {
		return Rendered{}, err
	}
	variant := r.Variant
	if variant == "" {
		variant = VariantDefault
	}
	data := templateData{
		Name:       r.Name,
		Variant:    variant,
		BaseImage:  r.BaseImage,
		Labels:     sortedPairs(r.Labels),
		WorkDir:    r.WorkDir,
		Env:        sortedPairs(r.Env),
		Manifest:   r.Manifest,
		Install:    r.InstallCommand,
		Executable: r.Executable,
		DataDir:    r.DataDir,
		Cmd:        cmd,
	}
	if r.Hardened() {
		data.User = r.User
		data.UserAdd = r.userAddCommand()
	}
	out, err := renderTemplate(containerfileTemplate, data)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{Containerfile: out, Digest: digest.FromBytes(out)}, nil
}

func renderTemplate(name string, data any) ([]byte, error) {
	raw, err := readEmbeddedFile(name)
	if err != nil {
		return nil, err
	}
	tpl, err := template.New(name).Funcs(template.FuncMap{"quote": dockerQuote}).Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render template %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

var dockerQuoter = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`)

// dockerQuote wraps s in double quotes for a LABEL or ENV value. Only the
// characters the Containerfile parser interprets inside quotes are escaped;
// everything else, non-ASCII included, stays literal.
func dockerQuote(s string) string {
	return `"` + dockerQuoter.Replace(s) + `"`
}

// execForm encodes argv as a JSON array, the exec form of CMD.
func execForm(argv []string) (string, error) {
	parts := make([]string, 0, len(argv))
	for _, arg := range argv {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(arg); err != nil {
			return "", fmt.Errorf("encode entrypoint: %w", err)
		}
		parts = append(parts, strings.TrimSpace(buf.String()))
	}
	return "[" + strings.Join(parts, ", ") + "]", nil
}

func sortedPairs(values map[string]string) []keyValue {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]keyValue, 0, len(keys))
	for _, key := range keys {
		out = append(out, keyValue{Key: key, Value: values[key]})
	}
	return out
}
