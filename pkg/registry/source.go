package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const sourceLogPrefix = "registry:source"

// CardSource loads the full set of service cards from a backing store.
type CardSource interface {
	Load(ctx context.Context) ([]ServiceCard, error)
}

// FileSource reads cards from a JSON file containing an array of
// ServiceCard objects.
type FileSource struct {
	Path string
}

// NewFileSource creates a FileSource for the given path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Load reads and parses the card file.
func (s *FileSource) Load(_ context.Context) ([]ServiceCard, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, NewError(CodeRegistryUnavailable,
			fmt.Sprintf("%s - failed to read card file %s: %v", sourceLogPrefix, s.Path, err))
	}
	return parseCards(data)
}

// HTTPSource fetches one card per configured agent base URL from the
// well-known card path.
type HTTPSource struct {
	BaseURLs []string
	Client   *http.Client
}

// WellKnownCardPath is where downstream agents serve their card.
const WellKnownCardPath = "/.well-known/agent.json"

// NewHTTPSource creates an HTTPSource with a bounded-timeout client.
func NewHTTPSource(baseURLs []string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		BaseURLs: baseURLs,
		Client:   &http.Client{Timeout: timeout},
	}
}

// Load fetches every configured card. A single unreachable agent fails the
// whole load; partial registries would make resolution lie about what is
// deployed.
func (s *HTTPSource) Load(ctx context.Context) ([]ServiceCard, error) {
	cards := make([]ServiceCard, 0, len(s.BaseURLs))
	for _, base := range s.BaseURLs {
		card, err := s.fetchCard(ctx, base)
		if err != nil {
			return nil, err
		}
		cards = append(cards, *card)
	}
	return cards, nil
}

func (s *HTTPSource) fetchCard(ctx context.Context, baseURL string) (*ServiceCard, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+WellKnownCardPath, nil)
	if err != nil {
		return nil, NewError(CodeRegistryUnavailable,
			fmt.Sprintf("%s - failed to build card request for %s: %v", sourceLogPrefix, baseURL, err))
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, NewError(CodeRegistryUnavailable,
			fmt.Sprintf("%s - failed to fetch card from %s: %v", sourceLogPrefix, baseURL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, NewError(CodeRegistryUnavailable,
			fmt.Sprintf("%s - card fetch from %s returned status %d", sourceLogPrefix, baseURL, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, NewError(CodeRegistryUnavailable,
			fmt.Sprintf("%s - failed to read card from %s: %v", sourceLogPrefix, baseURL, err))
	}

	var card ServiceCard
	if err := json.Unmarshal(body, &card); err != nil {
		return nil, NewError(CodeRegistryUnavailable,
			fmt.Sprintf("%s - failed to parse card from %s: %v", sourceLogPrefix, baseURL, err))
	}
	if card.URL == "" {
		card.URL = baseURL
	}
	return &card, nil
}

// MultiSource concatenates cards from several sources. Any failing source
// fails the whole load.
type MultiSource struct {
	Sources []CardSource
}

// Load loads and concatenates every source in order.
func (s *MultiSource) Load(ctx context.Context) ([]ServiceCard, error) {
	var cards []ServiceCard
	for _, src := range s.Sources {
		loaded, err := src.Load(ctx)
		if err != nil {
			return nil, err
		}
		cards = append(cards, loaded...)
	}
	return cards, nil
}

// StaticSource serves a fixed card list. Used in tests and for in-process
// wiring.
type StaticSource struct {
	Cards []ServiceCard
}

// Load returns the fixed card list.
func (s *StaticSource) Load(_ context.Context) ([]ServiceCard, error) {
	return s.Cards, nil
}

func parseCards(data []byte) ([]ServiceCard, error) {
	var cards []ServiceCard
	if err := json.Unmarshal(data, &cards); err != nil {
		return nil, NewError(CodeRegistryUnavailable,
			fmt.Sprintf("%s - failed to parse card file: %v", sourceLogPrefix, err))
	}
	return cards, nil
}

// ValidateCards rejects card sets that would make resolution ambiguous: for
// a fixed (type, tenant) pair at most one card may advertise a matching
// skill.
func ValidateCards(cards []ServiceCard) error {
	type key struct{ serviceType, tenantID string }
	owners := make(map[key]string)
	for _, card := range cards {
		for _, skill := range card.Skills {
			st := skill.ServiceType()
			if st == "" {
				continue
			}
			k := key{serviceType: st, tenantID: skill.TenantID()}
			if owner, ok := owners[k]; ok && owner != card.Name {
				return NewError(CodeAmbiguousServiceMatch,
					fmt.Sprintf("cards %q and %q both advertise type %q for tenant %q",
						owner, card.Name, st, k.tenantID))
			}
			owners[k] = card.Name
		}
	}
	return nil
}
