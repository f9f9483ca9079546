package awscreds

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/kvstransport/pkg/kvserr"
)

// FileProvider serves credentials from a JSON file and reloads them whenever the
// file changes. Rotating temporary credentials only requires rewriting the file.
//
// The file holds a single object:
//
//   {"accessKeyId": "...", "secretAccessKey": "...", "sessionToken": "...", "expiration": 1700000000}
type FileProvider struct {
	*asyncobj.Helper
	path    string
	watcher *fsnotify.Watcher

	// guarded by Helper.Lock
	current Credentials
	loadErr error
	loads   int
}

// NewFileProvider loads path and starts watching it. The initial load must
// succeed; later failed reloads keep the last good credentials and are reported by
// Retrieve only if no good credentials were ever loaded.
func NewFileProvider(lg logger.Logger, path string) (*FileProvider, error) {
	if path == "" {
		return nil, kvserr.Errorf(kvserr.BadParameter, "empty credentials file path")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, kvserr.Wrapf(kvserr.BadParameter, err, "credentials file path %q", path)
	}
	p := &FileProvider{path: absPath}
	p.Helper = asyncobj.NewHelper(lg.ForkLog("FileProvider"), p)

	if err := p.reload(); err != nil {
		return nil, err
	}

	// Watch the directory so that replace-by-rename editors are seen too
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, kvserr.Wrapf(kvserr.InternalError, err, "creating file watcher")
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return nil, kvserr.Wrapf(kvserr.InternalError, err, "watching %q", filepath.Dir(absPath))
	}
	p.watcher = watcher
	p.SetIsActivated()
	go p.watchLoop()
	return p, nil
}

func readCredentialsFile(path string) (Credentials, error) {
	var c Credentials
	b, err := os.ReadFile(path)
	if err != nil {
		return c, kvserr.Wrapf(kvserr.InvalidCredentials, err, "reading %q", path)
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, kvserr.Wrapf(kvserr.InvalidCredentials, err, "parsing %q", path)
	}
	if err := c.Validate(); err != nil {
		return c, kvserr.Wrapf(kvserr.InvalidCredentials, err, "in %q", path)
	}
	return c, nil
}

func (p *FileProvider) reload() error {
	c, err := readCredentialsFile(p.path)
	p.Lock.Lock()
	defer p.Lock.Unlock()
	if err != nil {
		if p.loads == 0 {
			p.loadErr = err
		}
		return err
	}
	p.current = c
	p.loadErr = nil
	p.loads++
	return nil
}

func (p *FileProvider) watchLoop() {
	for {
		select {
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != p.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := p.reload(); err != nil {
				p.DLogf("Reload of %s failed, keeping previous credentials: %s", p.path, err)
			} else {
				p.DLogf("Reloaded credentials from %s", p.path)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.WLogErrorf("File watcher error: %s", err)
		}
	}
}

// Retrieve returns the most recently loaded credentials
func (p *FileProvider) Retrieve() (Credentials, error) {
	p.Lock.Lock()
	defer p.Lock.Unlock()
	if p.loadErr != nil {
		return Credentials{}, p.loadErr
	}
	return p.current, nil
}

// Loads returns how many times the file has been loaded successfully
func (p *FileProvider) Loads() int {
	p.Lock.Lock()
	defer p.Lock.Unlock()
	return p.loads
}

// Close stops watching the file
func (p *FileProvider) Close() error {
	return p.Helper.Close()
}

// HandleOnceShutdown will be called exactly once, in its own goroutine
func (p *FileProvider) HandleOnceShutdown(completionErr error) error {
	if p.watcher != nil {
		if err := p.watcher.Close(); err != nil && completionErr == nil {
			completionErr = err
		}
	}
	return completionErr
}
