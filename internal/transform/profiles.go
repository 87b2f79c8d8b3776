package transform

import (
	"fmt"
	"sort"
	"strings"
)

// Profile selects the language and script the challenge audio speaks.
type Profile struct {
	Name     string
	Language string
	Script   string
}

// DefaultProfile is used when a request does not name a profile.
const DefaultProfile = "zh"

// DefaultProfiles returns the built-in anti-scam exercise scripts.
func DefaultProfiles() []Profile {
	return []Profile{
		{
			Name:     "zh",
			Language: "Chinese",
			Script:   "妈，是我，我现在遇到点麻烦，需要你马上转一笔钱给我，不要告诉别人，你能帮我吗？",
		},
		{
			Name:     "en",
			Language: "English",
			Script:   "Mom, it's me. I'm in trouble right now and I need you to transfer some money immediately. Please don't tell anyone. Can you help me?",
		},
	}
}

// ProfileSet resolves profile selectors case-insensitively.
type ProfileSet struct {
	profiles map[string]Profile
	fallback string
}

// NewProfileSet indexes profiles by lower-cased name. fallback must name one of them.
func NewProfileSet(profiles []Profile, fallback string) (*ProfileSet, error) {
	set := &ProfileSet{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" {
			return nil, fmt.Errorf("voice profile without a name")
		}
		if strings.TrimSpace(p.Script) == "" {
			return nil, fmt.Errorf("voice profile %q has no script", p.Name)
		}
		p.Name = name
		set.profiles[name] = p
	}

	set.fallback = strings.ToLower(strings.TrimSpace(fallback))
	if _, ok := set.profiles[set.fallback]; !ok {
		return nil, fmt.Errorf("default voice profile %q: %w", fallback, ErrUnknownProfile)
	}
	return set, nil
}

// Lookup returns the named profile, or the default when name is empty.
func (s *ProfileSet) Lookup(name string) (Profile, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = s.fallback
	}
	p, ok := s.profiles[key]
	if !ok {
		return Profile{}, fmt.Errorf("%q: %w", name, ErrUnknownProfile)
	}
	return p, nil
}

// Names lists the configured profile names in order.
func (s *ProfileSet) Names() []string {
	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
