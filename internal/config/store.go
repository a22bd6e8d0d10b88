package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	yaml "gopkg.in/yaml.v3"
)

// Store rewrites a broker account's rotated tokens back into the config
// file on disk, atomically. The rest of the document's keys, ordering and
// comments are kept, but the whole file is re-encoded by yaml.v3, so
// indentation and quoting may change. It is the only mutator of the config
// file at runtime; everything else is read-only, loaded once at startup.
type Store struct {
	path    string
	mu      sync.Mutex
	brokers sync.Map // account id -> *sync.Mutex, serializes rotation per account
}

// NewStore creates a token-rotation store targeting the given config file.
func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) brokerLock(accountID string) *sync.Mutex {
	v, _ := s.brokers.LoadOrStore(accountID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// RotateTokens rewrites the access_token and refresh_token credential
// fields of the named broker account, atomically. It serializes against
// concurrent rotations of the same account (so a crash mid-rotation never
// leaves the file in a state with neither token pair usable) and against
// the whole-file lock held while the temp file is written.
func (s *Store) RotateTokens(accountID, accessToken, refreshToken string) error {
	lock := s.brokerLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path) // #nosec G304 -- path is the operator-configured config file
	if err != nil {
		return fmt.Errorf("reading config for token rotation: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parsing config for token rotation: %w", err)
	}

	entry, err := findBrokerNode(&doc, accountID)
	if err != nil {
		return err
	}

	setCredential(entry, "access_token", accessToken)
	setCredential(entry, "refresh_token", refreshToken)

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("re-encoding config after token rotation: %w", err)
	}

	return atomicWrite(s.path, out)
}

// findBrokerNode locates the mapping node for brokers[].credentials where
// brokers[].id == accountID.
func findBrokerNode(doc *yaml.Node, accountID string) (*yaml.Node, error) {
	root := doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	brokersNode := mapValue(root, "brokers")
	if brokersNode == nil || brokersNode.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("config has no brokers list")
	}
	for _, item := range brokersNode.Content {
		if item.Kind != yaml.MappingNode {
			continue
		}
		idNode := mapValue(item, "id")
		if idNode != nil && idNode.Value == accountID {
			creds := mapValue(item, "credentials")
			if creds == nil {
				// add an empty credentials mapping to rewrite into
				keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: "credentials"}
				valNode := &yaml.Node{Kind: yaml.MappingNode}
				item.Content = append(item.Content, keyNode, valNode)
				creds = valNode
			}
			return creds, nil
		}
	}
	return nil, fmt.Errorf("no broker account with id %q in config", accountID)
}

func mapValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

func setCredential(mapping *yaml.Node, key, value string) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content[i+1].Value = value
			mapping.Content[i+1].Tag = "!!str"
			return
		}
	}
	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Value: value, Tag: "!!str"},
	)
}

// atomicWrite writes data to path via a temp file in the same directory,
// fsync, rename, and a parent-directory fsync, falling back to copy+fsync
// on cross-device rename (EXDEV).
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".config-*")
	if err != nil {
		return err
	}
	tmpName := f.Name()
	defer func() {
		_ = f.Close()
		_ = os.Remove(tmpName)
	}()

	if err := f.Chmod(0o600); err != nil {
		return fmt.Errorf("setting temp file permissions: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	dirSynced := false
	if err := os.Rename(tmpName, path); err != nil {
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
			if cpErr := copyAndSync(tmpName, path); cpErr != nil {
				return fmt.Errorf("copying temp file across devices: %w", cpErr)
			}
			dirSynced = true
		} else {
			return fmt.Errorf("renaming temp file: %w", err)
		}
	}
	tmpName = ""

	if !dirSynced {
		if err := syncDir(dir); err != nil {
			return fmt.Errorf("syncing config directory: %w", err)
		}
	}
	return nil
}

func copyAndSync(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 -- src is our own temp file
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	dstDir := filepath.Dir(dst)
	out, err := os.CreateTemp(dstDir, ".config-*")
	if err != nil {
		return err
	}
	outName := out.Name()
	defer func() {
		_ = out.Close()
		_ = os.Remove(outName)
	}()
	if err := out.Chmod(0o600); err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(outName, dst); err != nil {
		return err
	}
	outName = ""
	return syncDir(dstDir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir) // #nosec G304 -- dir is the config file's own parent
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Sync()
}
