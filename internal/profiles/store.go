// Package profiles is the media-profile configuration store: a JSON file
// loaded at startup, mutated through CRUD calls and written back on every
// change.
package profiles

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/juju/errors"
)

// ConfigurationKinds enumerates the configuration slots a profile can hold.
// "All" is a wildcard accepted only by filtered reads, never stored.
var ConfigurationKinds = []string{
	"All", "VideoSource", "VideoEncoder", "AudioSource", "AudioEncoder",
	"AudioOutput", "AudioDecoder", "Metadata", "Analytics", "PTZ", "Receiver",
}

var (
	ErrNoSuchProfile = errors.New("no such profile")
	ErrNoSuchToken   = errors.New("no such configuration token")
	ErrInvalidKind   = errors.New("no such configuration type")
	ErrFixedProfile  = errors.New("a fixed profile cannot be deleted")
)

// Configuration is one referencable configuration entity (a video source,
// an encoder, ...). Profiles point at these by token.
type Configuration struct {
	Token string `json:"token"`
	Name  string `json:"Name,omitempty"`
}

// Profile is one media profile. Configurations maps a kind ("VideoSource")
// to the token of the bound configuration.
type Profile struct {
	Token          string            `json:"token"`
	Fixed          bool              `json:"fixed"`
	Name           string            `json:"Name"`
	Configurations map[string]string `json:"Configurations,omitempty"`
}

// Filter returns a copy of the profile keeping only the requested
// configuration kinds. "All" keeps everything.
func (p Profile) Filter(kinds []string) Profile {
	out := p
	out.Configurations = make(map[string]string)
	for kind, token := range p.Configurations {
		if slices.Contains(kinds, "All") || slices.Contains(kinds, kind) {
			out.Configurations[kind] = token
		}
	}
	return out
}

func (p Profile) clone() Profile {
	out := p
	out.Configurations = make(map[string]string, len(p.Configurations))
	for k, v := range p.Configurations {
		out.Configurations[k] = v
	}
	return out
}

type storeFile struct {
	MediaProfiles  []Profile                  `json:"MediaProfiles"`
	Configurations map[string][]Configuration `json:"Configurations,omitempty"`
}

func (f storeFile) clone() storeFile {
	out := storeFile{
		MediaProfiles:  make([]Profile, len(f.MediaProfiles)),
		Configurations: make(map[string][]Configuration, len(f.Configurations)),
	}
	for i, p := range f.MediaProfiles {
		out.MediaProfiles[i] = p.clone()
	}
	for kind, configs := range f.Configurations {
		out.Configurations[kind] = slices.Clone(configs)
	}
	return out
}

// Store owns the profile file. Every mutation persists immediately; Reset
// rolls the file back to the state of the first Load.
type Store struct {
	path string

	mu     sync.Mutex
	file   storeFile
	backup storeFile
	loaded bool
}

// NewStore creates a store for the given file path. Call Load before
// anything else.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the profile file. The first load snapshots the tree for later
// Reset; subsequent loads only refresh the working copy.
func (s *Store) Load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return errors.Annotatef(err, "read media profiles %q", s.path)
	}

	var file storeFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return errors.Annotatef(err, "parse media profiles %q", s.path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.file = file
	if !s.loaded {
		s.backup = file.clone()
		s.loaded = true
	}
	return nil
}

// save writes the working copy back to disk. Caller holds the lock.
func (s *Store) save() error {
	raw, err := json.MarshalIndent(s.file, "", "  ")
	if err != nil {
		return errors.Annotate(err, "serialize media profiles")
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return errors.Annotatef(err, "write media profiles %q", s.path)
	}
	return nil
}

// Save persists the current working copy.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

// Reset discards every change since the first Load and persists the
// restored state.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return nil
	}
	s.file = s.backup.clone()
	return s.save()
}

// Profiles returns a copy of every profile, in file order.
func (s *Store) Profiles() []Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Profile, len(s.file.MediaProfiles))
	for i, p := range s.file.MediaProfiles {
		out[i] = p.clone()
	}
	return out
}

// ProfileByToken finds a profile by its token.
func (s *Store) ProfileByToken(token string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexByToken(token)
	if i < 0 {
		return Profile{}, ErrNoSuchProfile
	}
	return s.file.MediaProfiles[i].clone(), nil
}

// ProfileByName finds a profile by its display name.
func (s *Store) ProfileByName(name string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.file.MediaProfiles {
		if p.Name == name {
			return p.clone(), nil
		}
	}
	return Profile{}, ErrNoSuchProfile
}

// Configurations returns the configuration entities of one kind.
func (s *Store) Configurations(kind string) []Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.file.Configurations[kind])
}

// Create appends a new non-fixed profile with a generated token and
// persists the file.
func (s *Store) Create(name string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := Profile{
		Token: fmt.Sprintf("UserProfileToken%d", len(s.file.MediaProfiles)),
		Fixed: false,
		Name:  name,
	}
	s.file.MediaProfiles = append(s.file.MediaProfiles, p)

	if err := s.save(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Delete removes a profile by token. Fixed profiles are not deletable.
func (s *Store) Delete(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexByToken(token)
	if i < 0 {
		return ErrNoSuchProfile
	}
	if s.file.MediaProfiles[i].Fixed {
		return ErrFixedProfile
	}

	s.file.MediaProfiles = slices.Delete(s.file.MediaProfiles, i, i+1)
	return s.save()
}

// AddConfiguration binds a configuration entity to a profile slot. The kind
// must be a known slot and the token must name an existing entity of that
// kind.
func (s *Store) AddConfiguration(profileToken, kind, configToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexByToken(profileToken)
	if i < 0 {
		return ErrNoSuchProfile
	}
	if !slices.Contains(ConfigurationKinds, kind) || kind == "All" {
		return ErrInvalidKind
	}
	if !slices.ContainsFunc(s.file.Configurations[kind], func(c Configuration) bool {
		return c.Token == configToken
	}) {
		return ErrNoSuchToken
	}

	p := &s.file.MediaProfiles[i]
	if p.Configurations == nil {
		p.Configurations = make(map[string]string)
	}
	p.Configurations[kind] = configToken
	return s.save()
}

// RemoveConfiguration unbinds a profile slot. With a config token the
// matching binding is removed wherever it sits; otherwise the named kind's
// slot is cleared.
func (s *Store) RemoveConfiguration(profileToken, kind, configToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexByToken(profileToken)
	if i < 0 {
		return ErrNoSuchProfile
	}
	p := &s.file.MediaProfiles[i]

	if configToken != "" {
		for k, tok := range p.Configurations {
			if tok == configToken {
				delete(p.Configurations, k)
				return s.save()
			}
		}
	}

	if !slices.Contains(ConfigurationKinds, kind) {
		return ErrInvalidKind
	}
	delete(p.Configurations, kind)
	return s.save()
}

// indexByToken locates a profile. Caller holds the lock.
func (s *Store) indexByToken(token string) int {
	return slices.IndexFunc(s.file.MediaProfiles, func(p Profile) bool {
		return p.Token == token
	})
}
