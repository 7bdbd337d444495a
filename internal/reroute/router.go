// Package reroute decides where a request that failed CSRF verification is
// sent. Exception rules are evaluated in caller order and the first rule
// whose source matches and whose destination can be generated wins;
// otherwise the request goes to the default target.
package reroute

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/noah-isme/formguard/internal/pathtmpl"
)

// URICapture is the reserved capture name the default target receives the
// original request URI under.
const URICapture = "uri"

var (
	// ErrUnknownMethod reports a rule or default target with an unsupported HTTP method.
	ErrUnknownMethod = errors.New("unknown http method")
	// ErrIncompatibleTemplates reports a destination using captures its source never produces.
	ErrIncompatibleTemplates = errors.New("destination references captures missing from source")
	// ErrInvalidDefaultTarget reports a default target referencing captures other than "uri".
	ErrInvalidDefaultTarget = errors.New("default target may only reference the <uri> capture")
)

var knownMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodPatch:   {},
	http.MethodDelete:  {},
	http.MethodOptions: {},
	http.MethodConnect: {},
	http.MethodTrace:   {},
}

// NormalizeMethod upper-cases method and checks it is a standard HTTP method.
func NormalizeMethod(method string) (string, error) {
	m := strings.ToUpper(strings.TrimSpace(method))
	if _, ok := knownMethods[m]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	return m, nil
}

// Rule reroutes requests matching Source to Destination using Method.
type Rule struct {
	Source      *pathtmpl.Template
	Destination *pathtmpl.Template
	Method      string
}

// NewRule compiles a rule and checks that every capture used by the
// destination is produced by the source.
func NewRule(source, destination, method string) (Rule, error) {
	src, err := pathtmpl.Compile(source)
	if err != nil {
		return Rule{}, fmt.Errorf("exception source: %w", err)
	}
	dst, err := pathtmpl.Compile(destination)
	if err != nil {
		return Rule{}, fmt.Errorf("exception destination: %w", err)
	}
	m, err := NormalizeMethod(method)
	if err != nil {
		return Rule{}, fmt.Errorf("exception %q: %w", source, err)
	}
	var missing []string
	for _, name := range dst.Names() {
		if !src.Has(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Rule{}, fmt.Errorf("exception %q -> %q: %w: %s", source, destination, ErrIncompatibleTemplates, strings.Join(missing, ", "))
	}
	return Rule{Source: src, Destination: dst, Method: m}, nil
}

// Target is a rewritten request URI and method.
type Target struct {
	URI    string
	Method string
}

// Route evaluates rules in order against uri. The incoming method is
// accepted but never filters rules: the rewritten request always uses the
// winning rule's Method. A rule whose destination cannot be generated
// counts as no match.
func Route(rules []Rule, uri, _ string) (Target, bool) {
	for _, rule := range rules {
		captures, ok := rule.Source.Extract(uri)
		if !ok {
			continue
		}
		dest, ok := rule.Destination.Generate(captures)
		if !ok {
			continue
		}
		return Target{URI: dest, Method: rule.Method}, true
	}
	return Target{}, false
}

// Kind says which branch produced a Resolution.
type Kind int

const (
	// KindException means an exception rule matched.
	KindException Kind = iota
	// KindDefault means the default target was used.
	KindDefault
)

func (k Kind) String() string {
	if k == KindException {
		return "exception"
	}
	return "default"
}

// Resolution is the outcome of Router.Resolve.
type Resolution struct {
	Target
	Kind Kind
}

// Router pairs an ordered rule list with the default target.
type Router struct {
	rules         []Rule
	defaultTarget *pathtmpl.Template
	defaultMethod string
}

// NewRouter validates the default target and keeps rules in the given order.
// The default target may only reference the reserved <uri> capture.
func NewRouter(defaultPattern, defaultMethod string, rules []Rule) (*Router, error) {
	tpl, err := pathtmpl.Compile(defaultPattern)
	if err != nil {
		return nil, fmt.Errorf("default target: %w", err)
	}
	if _, ok := tpl.Generate(pathtmpl.Captures{URICapture: ""}); !ok {
		return nil, fmt.Errorf("default target %q: %w", defaultPattern, ErrInvalidDefaultTarget)
	}
	m, err := NormalizeMethod(defaultMethod)
	if err != nil {
		return nil, fmt.Errorf("default target: %w", err)
	}
	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	return &Router{rules: ordered, defaultTarget: tpl, defaultMethod: m}, nil
}

// Rules returns a copy of the ordered rules.
func (r *Router) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Resolve always yields a target: the first matching exception, or the
// default target with the original uri under <uri>.
func (r *Router) Resolve(uri, method string) Resolution {
	if t, ok := Route(r.rules, uri, method); ok {
		return Resolution{Target: t, Kind: KindException}
	}
	dest, ok := r.defaultTarget.Generate(pathtmpl.Captures{URICapture: uri})
	if !ok {
		// validated in NewRouter
		dest = r.defaultTarget.String()
	}
	return Resolution{Target: Target{URI: dest, Method: r.defaultMethod}, Kind: KindDefault}
}
