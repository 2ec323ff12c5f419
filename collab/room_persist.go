package collab

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"
)

// reads the stored content into the empty replica
func (self *Room) loadInitial(ctx context.Context) error {
	self.persistLock.Lock()
	defer self.persistLock.Unlock()

	model, err := self.storage.Get(ctx, self.key.Path)
	if errors.Is(err, ErrNotFound) {
		// new document. The first save creates it.
		self.log("not found in storage, starting empty")
		return nil
	} else if err != nil {
		return err
	}
	value, err := DecodeContent(self.key.Format, model.Content)
	if err != nil {
		return err
	}
	if _, err := self.replica.Load(value); err != nil {
		return err
	}
	self.lastModified = model.LastModified
	return nil
}

// debounces saves after local changes.
// Failed saves back off exponentially and give up after `MaxSaveRetries`
// until the next change.
func (self *Room) persistRun() {
	var saveTimer *clock.Timer
	var saveC <-chan time.Time
	failures := 0

	defer func() {
		if saveTimer != nil {
			saveTimer.Stop()
		}
	}()

	schedule := func(delay time.Duration) {
		if saveTimer != nil {
			saveTimer.Stop()
		}
		saveTimer = self.settings.Clock.Timer(delay)
		saveC = saveTimer.C
	}

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.replica.Changes():
			failures = 0
			schedule(self.settings.SaveDelay)
		case <-saveC:
			saveC = nil
			if err := self.save(self.ctx); err != nil {
				if self.ctx.Err() != nil {
					return
				}
				failures += 1
				self.metrics.SaveFailed()
				if failures <= self.settings.MaxSaveRetries {
					delay := saveBackoff(self.settings.SaveDelay, failures, self.settings.MaxSaveBackoff)
					glog.Infof("[room]%s save error = %s (retry %d in %s)\n", self.key, err, failures, delay)
					schedule(delay)
				} else {
					glog.Infof("[room]%s save error = %s (giving up until next edit)\n", self.key, err)
				}
			} else {
				failures = 0
			}
		}
	}
}

// min(base * 2^failures, max)
func saveBackoff(base time.Duration, failures int, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Millisecond
	}
	delay := base
	for i := 0; i < failures; i += 1 {
		delay *= 2
		if 0 < max && max <= delay {
			return max
		}
	}
	return delay
}

// polls storage for external modifications
func (self *Room) watchRun() {
	ticker := self.settings.Clock.Ticker(self.settings.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			if err := self.reload(self.ctx); err != nil && self.ctx.Err() == nil {
				self.trace("watch error = %s", err)
			}
		}
	}
}

// Save writes the replica to storage if it is dirty.
// When storage was modified externally since the last read or write,
// the save is abandoned and the external content is loaded instead.
func (self *Room) Save(ctx context.Context) error {
	return self.save(ctx)
}

func (self *Room) save(ctx context.Context) error {
	self.persistLock.Lock()
	defer self.persistLock.Unlock()

	if !self.replica.Dirty() {
		return nil
	}

	modified, err := self.storage.Stat(ctx, self.key.Path)
	switch {
	case err == nil && modified.After(self.lastModified):
		glog.Infof("[room]%s storage modified externally (%s > %s), discarding local changes\n", self.key, modified, self.lastModified)
		self.metrics.LostSaveRace()
		return self.reloadLocked(ctx)
	case err != nil && !errors.Is(err, ErrNotFound):
		return err
	}

	value, generation := self.replica.Materialize()
	content, err := EncodeContent(self.key.Format, value)
	if err != nil {
		return err
	}
	lastModified, err := self.storage.Save(ctx, self.key.Path, content)
	if err != nil {
		return err
	}
	self.lastModified = lastModified
	self.replica.MarkSaved(generation)
	self.metrics.Saved()
	self.log("saved %d bytes (generation %d)", len(content), generation)
	return nil
}

// Reload loads the stored content if storage is newer than the replica.
func (self *Room) Reload(ctx context.Context) error {
	return self.reload(ctx)
}

func (self *Room) reload(ctx context.Context) error {
	self.persistLock.Lock()
	defer self.persistLock.Unlock()

	modified, err := self.storage.Stat(ctx, self.key.Path)
	if errors.Is(err, ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if !modified.After(self.lastModified) {
		return nil
	}
	return self.reloadLocked(ctx)
}

// must be called with the persist lock
func (self *Room) reloadLocked(ctx context.Context) error {
	model, err := self.storage.Get(ctx, self.key.Path)
	if errors.Is(err, ErrNotFound) {
		// deleted between stat and get. Keep the replica.
		return nil
	} else if err != nil {
		return err
	}
	value, err := DecodeContent(self.key.Format, model.Content)
	if err != nil {
		return err
	}
	update, err := self.replica.Load(value)
	if err != nil {
		return err
	}
	self.lastModified = model.LastModified
	self.metrics.Reloaded()
	self.log("reloaded from storage (%s)", model.LastModified)
	if update != nil {
		self.broadcastUpdate(update)
	}
	return nil
}
