package resource

import (
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/tidwall/gjson"

	apperrors "github.com/louisbranch/offsync/internal/platform/errors"
	"github.com/louisbranch/offsync/internal/services/offline/policy"
)

// Route describes how a resource type reaches the server and which cached
// reads its mutations touch.
//
// Path, Entity and Invalidate are templates: "{field}" is replaced by the
// gjson path field looked up in the server result, then the payload.
type Route struct {
	Path     string
	Category policy.Category
	Actions  []Action
	// Entity is the cache key of the single resource, updated in place with
	// the server result. Empty when the resource is never read back.
	Entity string
	// Invalidate lists keys or glob patterns dropped after a mutation.
	Invalidate []string
}

var routes = map[Type]Route{
	Post: {
		Path:       "/posts",
		Category:   policy.Feeds,
		Actions:    []Action{Create, Update, Delete},
		Entity:     "feeds:post:{id}",
		Invalidate: []string{"feeds:home*", "feeds:user:{author_id}*"},
	},
	Comment: {
		Path:       "/posts/{post_id}/comments",
		Category:   policy.Feeds,
		Actions:    []Action{Create, Update, Delete},
		Invalidate: []string{"feeds:post:{post_id}", "feeds:comments:{post_id}*"},
	},
	Like: {
		Path:       "/posts/{post_id}/likes",
		Category:   policy.Feeds,
		Actions:    []Action{Create, Delete},
		Invalidate: []string{"feeds:post:{post_id}"},
	},
	Follow: {
		Path:       "/follows",
		Category:   policy.Profiles,
		Actions:    []Action{Create, Delete},
		Invalidate: []string{"profiles:{target_id}", "feeds:home*"},
	},
	Tip: {
		Path:       "/tips",
		Category:   policy.Profiles,
		Actions:    []Action{Create},
		Invalidate: []string{"profiles:{recipient_id}", "feeds:post:{post_id}"},
	},
	Bid: {
		Path:       "/auctions/{auction_id}/bids",
		Category:   policy.Auctions,
		Actions:    []Action{Create},
		Invalidate: []string{"auctions:{auction_id}", "auctions:list*"},
	},
	Report: {
		Path:       "/reports",
		Category:   policy.Feeds,
		Actions:    []Action{Create},
		Invalidate: []string{"feeds:post:{post_id}"},
	},
	Profile: {
		Path:     "/profiles",
		Category: policy.Profiles,
		Actions:  []Action{Update},
		Entity:   "profiles:{id}",
	},
}

// Lookup returns the route for t.
func Lookup(t Type) (Route, bool) {
	r, ok := routes[t]
	return r, ok
}

// Request is a resolved mutation call, relative to the API base URL.
type Request struct {
	Method string
	Path   string
	Body   json.RawMessage
}

// Build resolves the request for applying action to t with payload. Update
// and delete address the resource by the payload's "id".
func Build(t Type, action Action, payload json.RawMessage) (Request, error) {
	route, ok := routes[t]
	if !ok {
		return Request{}, apperrors.New(apperrors.CodeInvalidArgument, "unknown resource type "+t.String())
	}
	if !slices.Contains(route.Actions, action) {
		return Request{}, apperrors.WithMetadata(apperrors.CodeInvalidArgument, "action not supported", map[string]string{
			"resource_type": t.String(),
			"action":        action.String(),
		})
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return Request{}, apperrors.New(apperrors.CodeInvalidArgument, "payload is not valid JSON")
	}

	path, ok := expand(route.Path, pathSegment, payload)
	if !ok {
		return Request{}, apperrors.New(apperrors.CodeInvalidArgument, "payload is missing a path field for "+t.String())
	}
	req := Request{Path: path, Body: payload}
	switch action {
	case Create:
		req.Method = http.MethodPost
	case Update, Delete:
		id, ok := pathSegment(ID(payload))
		if !ok {
			return Request{}, apperrors.New(apperrors.CodeInvalidArgument, t.String()+" "+action.String()+" requires an id")
		}
		req.Path += "/" + id
		req.Method = http.MethodPut
		if action == Delete {
			req.Method = http.MethodDelete
			req.Body = nil
		}
	}
	return req, nil
}

// ID returns the first non-empty "id" found in docs.
func ID(docs ...json.RawMessage) string {
	for _, doc := range docs {
		if len(doc) == 0 {
			continue
		}
		if v := gjson.GetBytes(doc, "id"); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// Effects are the cache changes a successful mutation implies.
type Effects struct {
	// Entity is the key to overwrite with the server result, if any.
	Entity     string
	Category   policy.Category
	Invalidate []string
}

// Affected resolves the cache effects of a completed mutation. Templates
// whose fields cannot be resolved are skipped.
func Affected(t Type, action Action, payload, result json.RawMessage) Effects {
	route, ok := routes[t]
	if !ok {
		return Effects{}
	}
	out := Effects{Category: route.Category}
	for _, pattern := range route.Invalidate {
		if key, ok := expand(pattern, nil, result, payload); ok {
			out.Invalidate = append(out.Invalidate, key)
		}
	}
	if route.Entity == "" {
		return out
	}
	key, ok := expand(route.Entity, nil, result, payload)
	if !ok {
		return out
	}
	if action == Delete || len(result) == 0 || !gjson.ValidBytes(result) {
		out.Invalidate = append(out.Invalidate, key)
		return out
	}
	out.Entity = key
	return out
}

// pathSegment escapes v for use as one URL path segment. Empty and dot
// segments are rejected.
func pathSegment(v string) (string, bool) {
	if v == "" || v == "." || v == ".." {
		return "", false
	}
	return url.PathEscape(v), true
}

// expand replaces each {field} in template with the first value found in docs.
// A non-nil escape converts each value and may reject it.
func expand(template string, escape func(string) (string, bool), docs ...json.RawMessage) (string, bool) {
	var b strings.Builder
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			return b.String(), true
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			b.WriteString(rest)
			return b.String(), true
		}
		b.WriteString(rest[:open])
		field := rest[open+1 : open+end]
		value := ""
		for _, doc := range docs {
			if len(doc) == 0 {
				continue
			}
			if v := gjson.GetBytes(doc, field); v.Exists() && v.String() != "" {
				value = v.String()
				break
			}
		}
		if value == "" {
			return "", false
		}
		if escape != nil {
			var ok bool
			if value, ok = escape(value); !ok {
				return "", false
			}
		}
		b.WriteString(value)
		rest = rest[open+end+1:]
	}
}
