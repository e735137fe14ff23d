package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/thrillee/smsrouter/internal/textit"
)

// DefaultKey is the fallback entry of a table-form router URL.
const DefaultKey = "default"

// ErrNoEndpoint is returned when no template exists for a backend and the
// table has no default entry.
var ErrNoEndpoint = errors.New("no router url mapping found")

// RouterURL is the endpoint descriptor: either a single template or a table
// keyed by backend name. It decodes from ROUTER_URL, where a value starting
// with "{" is read as a JSON object.
type RouterURL struct {
	Single string
	Table  map[string]string
}

// Decode implements envconfig.Decoder.
func (u *RouterURL) Decode(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		*u = RouterURL{}
		return nil
	}
	if strings.HasPrefix(value, "{") {
		table := map[string]string{}
		if err := json.Unmarshal([]byte(value), &table); err != nil {
			return fmt.Errorf("decode ROUTER_URL table: %w", err)
		}
		*u = RouterURL{Table: table}
		return nil
	}
	*u = RouterURL{Single: value}
	return nil
}

// Configured reports whether any remote endpoint exists.
func (u RouterURL) Configured() bool {
	return u.Single != "" || len(u.Table) > 0
}

// Registry resolves backend names to delivery targets.
type Registry struct {
	url    RouterURL
	extras map[string]string

	textitByName  map[string]*textit.Endpoint
	textitByPhone map[string]*textit.Endpoint
}

// NewRegistry validates every configured template and indexes TextIt
// endpoints. extras are added to every template expansion.
func NewRegistry(u RouterURL, extras map[string]string) (*Registry, error) {
	r := &Registry{
		url:           u,
		extras:        extras,
		textitByName:  map[string]*textit.Endpoint{},
		textitByPhone: map[string]*textit.Endpoint{},
	}

	if u.Single != "" {
		ep, err := textit.ParseEndpoint(u.Single)
		if err != nil {
			return nil, err
		}
		if ep != nil {
			// a single TextIt url serves every backend name
			ep.Backend = textit.DefaultBackend
			r.textitByName[DefaultKey] = ep
			r.textitByPhone[ep.Phone] = ep
		}
	}

	names := make([]string, 0, len(u.Table))
	for name := range u.Table {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ep, err := textit.ParseEndpoint(u.Table[name])
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", name, err)
		}
		if ep == nil {
			continue
		}
		ep.Backend = name
		r.textitByName[name] = ep
		if _, dup := r.textitByPhone[ep.Phone]; !dup {
			r.textitByPhone[ep.Phone] = ep
		}
	}
	return r, nil
}

// Configured reports whether outgoing messages have anywhere to go.
func (r *Registry) Configured() bool {
	return r != nil && r.url.Configured()
}

// Template returns the URL template for backend.
func (r *Registry) Template(backend string) (string, error) {
	if r.url.Single != "" {
		return r.url.Single, nil
	}
	if t, ok := r.url.Table[backend]; ok {
		return t, nil
	}
	if t, ok := r.url.Table[DefaultKey]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w for backend '%s', check ROUTER_URL", ErrNoEndpoint, backend)
}

// BuildURL resolves the template for backend and expands it with the message
// parameters plus the configured extras. Message fields win over extras.
func (r *Registry) BuildURL(backend string, params map[string]string) (string, error) {
	tmpl, err := r.Template(backend)
	if err != nil {
		return "", err
	}
	return Expand(tmpl, r.Params(params))
}

// Params merges the configured extras under params.
func (r *Registry) Params(params map[string]string) map[string]string {
	merged := make(map[string]string, len(params)+len(r.extras))
	for k, v := range r.extras {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	return merged
}

// TextItByName returns the TextIt endpoint serving backend, if any.
func (r *Registry) TextItByName(backend string) *textit.Endpoint {
	if r.url.Single == "" {
		if _, named := r.url.Table[backend]; named {
			return r.textitByName[backend]
		}
	}
	return r.textitByName[DefaultKey]
}

// TextItByPhone finds the TextIt endpoint whose relayer phone is phone.
func (r *Registry) TextItByPhone(phone string) *textit.Endpoint {
	return r.textitByPhone[textit.CleanPhone(phone)]
}
