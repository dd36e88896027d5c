package registry

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/hostlinkhq/hostlink/pkg/protover"
)

const snapshotLogPrefix = "registry:snapshot"

// Snapshot is an immutable, queryable index over a set of ServiceCards.
// Built once per load/refresh and never mutated afterwards, so it is safe
// for unlimited concurrent readers.
type Snapshot struct {
	cards []ServiceCard
	// byType indexes, per service type, the skills carrying that type tag
	// together with the card that advertises them.
	byType map[string][]typedSkill
}

type typedSkill struct {
	card  *ServiceCard
	skill Skill
}

// BuildSnapshot indexes the given cards. Cards whose protocol version falls
// outside the supported range are skipped with a warning; an empty version
// is accepted (the field is advisory).
func BuildSnapshot(cards []ServiceCard) *Snapshot {
	snap := &Snapshot{byType: make(map[string][]typedSkill)}

	for _, card := range cards {
		if card.ProtocolVersion != "" && !protover.Supported(card.ProtocolVersion) {
			slog.Warn(fmt.Sprintf("%s - skipping card %q: unsupported protocol version %q",
				snapshotLogPrefix, card.Name, card.ProtocolVersion))
			continue
		}
		snap.cards = append(snap.cards, card)
	}

	for i := range snap.cards {
		card := &snap.cards[i]
		for _, skill := range card.Skills {
			st := skill.ServiceType()
			if st == "" {
				continue
			}
			snap.byType[st] = append(snap.byType[st], typedSkill{card: card, skill: skill})
		}
	}

	return snap
}

// Cards returns a copy of the indexed cards.
func (s *Snapshot) Cards() []ServiceCard {
	out := make([]ServiceCard, len(s.cards))
	copy(out, s.cards)
	return out
}

// Skills returns every skill across the snapshot, in card order. Used to
// feed the classifier with the advertised capabilities.
func (s *Snapshot) Skills() []Skill {
	var out []Skill
	for _, card := range s.cards {
		out = append(out, card.Skills...)
	}
	return out
}

// KnownTypes returns the sorted set of service types present in the
// snapshot. The dispatcher validates classifier output against this set.
func (s *Snapshot) KnownTypes() []string {
	types := make([]string, 0, len(s.byType))
	for t := range s.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// HasType reports whether serviceType is advertised by any card.
func (s *Snapshot) HasType(serviceType string) bool {
	_, ok := s.byType[serviceType]
	return ok
}

// Len returns the number of indexed cards.
func (s *Snapshot) Len() int {
	return len(s.cards)
}
