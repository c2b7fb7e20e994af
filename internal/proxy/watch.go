package proxy

import (
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const watchDebounce = 200 * time.Millisecond

// WatchFile watches path for writes and reconciles the Pool's contents
// against the file's current lines on every change: proxies no longer
// listed are removed, newly listed ones are added at the default score,
// and proxies present in both keep their accumulated EMA score. Grounded
// on internal/selectors/manager.go's debounced fsnotify watchFile loop.
//
// The returned close func stops the watcher; it does not touch the Pool.
func (p *Pool) WatchFile(path string) (close func() error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go p.watchLoop(watcher, path, done)

	return func() error {
		err := watcher.Close()
		<-done
		return err
	}, nil
}

func (p *Pool) watchLoop(watcher *fsnotify.Watcher, path string, done chan struct{}) {
	defer close(done)

	var timer *time.Timer
	pending := make(chan struct{}, 1)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case <-pending:
			p.reloadFromFile(path)
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (p *Pool) reloadFromFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		log.Warn().Err(err).Str("file", path).Msg("proxy list reload failed")
		return
	}
	defer f.Close()

	fresh := ParseFile(f)
	wanted := make(map[string]bool, len(fresh))
	for _, px := range fresh {
		wanted[px.HostPort()] = true
	}

	p.mu.Lock()
	var stale []string
	for _, existing := range p.proxies {
		if !wanted[existing.HostPort()] {
			stale = append(stale, existing.HostPort())
		}
	}
	existingSet := make(map[string]bool, len(p.proxies))
	for _, existing := range p.proxies {
		existingSet[existing.HostPort()] = true
	}
	p.mu.Unlock()

	for _, hostPort := range stale {
		_ = p.Remove(hostPort)
	}
	added := 0
	for _, px := range fresh {
		if existingSet[px.HostPort()] {
			continue
		}
		if err := p.Add(px); err == nil {
			added++
		}
	}

	log.Info().Str("file", path).Int("added", added).Int("removed", len(stale)).Msg("reloaded proxy list")
}
