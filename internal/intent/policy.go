package intent

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/loqalabs/claudette-home/internal/config"
	"github.com/loqalabs/claudette-home/internal/homestate"
)

// Policy is the trust boundary applied to every backend proposal.
type Policy struct {
	AllowedKinds       map[Kind]bool
	AllowedServices    map[string]map[string]bool
	AllowedEntities    []string
	MaxContextEntities int
	Staleness          time.Duration
}

func PolicyFromConfig(cfg config.IntentConfig, staleness time.Duration) Policy {
	p := Policy{
		AllowedKinds:       make(map[Kind]bool, len(cfg.AllowedKinds)),
		AllowedServices:    make(map[string]map[string]bool, len(cfg.AllowedServices)),
		AllowedEntities:    cfg.AllowedEntities,
		MaxContextEntities: cfg.MaxContextEntities,
		Staleness:          staleness,
	}
	for _, k := range cfg.AllowedKinds {
		p.AllowedKinds[Kind(k)] = true
	}
	for domain, services := range cfg.AllowedServices {
		set := make(map[string]bool, len(services))
		for _, s := range services {
			set[s] = true
		}
		p.AllowedServices[domain] = set
	}
	return p
}

// check validates one proposal against the policy and the snapshot the
// transcript was resolved with. It returns a reason on rejection.
func (p Policy) check(a proposal, snap *homestate.Snapshot) string {
	kind := Kind(a.Kind)
	if !kind.Mutating() || !p.AllowedKinds[kind] {
		return fmt.Sprintf("kind %q not permitted", a.Kind)
	}
	domain, service, ok := strings.Cut(a.Service, ".")
	if !ok || domain == "" || service == "" {
		return fmt.Sprintf("malformed service %q", a.Service)
	}
	if kind == KindScene && domain != "scene" {
		return fmt.Sprintf("scene action uses %s service", domain)
	}
	if !p.AllowedServices[domain][service] {
		return fmt.Sprintf("service %s not permitted", a.Service)
	}
	if len(a.EntityIDs) == 0 {
		return "no target entities"
	}
	for _, id := range a.EntityIDs {
		e, ok := snap.Entity(id)
		if !ok {
			return fmt.Sprintf("unknown entity %q", id)
		}
		if e.Domain != domain {
			return fmt.Sprintf("entity %s is not a %s", id, domain)
		}
		if !p.entityAllowed(id) {
			return fmt.Sprintf("entity %s not in allow-list", id)
		}
	}
	for key, v := range a.Params {
		switch v.(type) {
		case string, float64, bool, nil:
		default:
			return fmt.Sprintf("param %q has unsupported type", key)
		}
	}
	return ""
}

func (p Policy) entityAllowed(id string) bool {
	if len(p.AllowedEntities) == 0 {
		return true
	}
	for _, pattern := range p.AllowedEntities {
		if ok, _ := path.Match(pattern, id); ok {
			return true
		}
	}
	return false
}

func (p Policy) services() []string {
	var out []string
	for domain, set := range p.AllowedServices {
		for s := range set {
			out = append(out, domain+"."+s)
		}
	}
	return out
}
