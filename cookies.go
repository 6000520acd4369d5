package main

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"

	"github.com/go-authgate/session-cli/store"
	"github.com/sirupsen/logrus"
)

// keyCookies holds the cookies the server set for the refresh endpoint. They
// are the only credential that outlives the process.
const keyCookies = "session.cookies"

type savedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// persistentJar is a cookie jar whose cookies for the refresh endpoint are
// mirrored into a durable store.
type persistentJar struct {
	mu      sync.Mutex
	jar     *cookiejar.Jar
	scope   *url.URL
	durable store.Store
	log     *logrus.Entry
}

// newPersistentJar restores the saved cookies for scope, the refresh endpoint
// URL.
func newPersistentJar(durable store.Store, scope string, log *logrus.Entry) (*persistentJar, error) {
	u, err := url.Parse(scope)
	if err != nil {
		return nil, fmt.Errorf("invalid cookie scope: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	j := &persistentJar{jar: jar, scope: u, durable: durable, log: log}

	var saved []savedCookie
	if _, err := durable.Get(keyCookies, &saved); err != nil {
		log.WithError(err).Warn("ignoring unreadable saved cookies")
		return j, nil
	}
	cookies := make([]*http.Cookie, 0, len(saved))
	for _, c := range saved {
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value, Path: "/"})
	}
	jar.SetCookies(u, cookies)
	return j, nil
}

func (j *persistentJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jar.SetCookies(u, cookies)
	j.saveLocked()
}

func (j *persistentJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.jar.Cookies(u)
}

// Clear forgets every cookie, in memory and on disk.
func (j *persistentJar) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if jar, err := cookiejar.New(nil); err == nil {
		j.jar = jar
	}
	if err := j.durable.Delete(keyCookies); err != nil {
		j.log.WithError(err).Warn("failed to clear saved cookies")
	}
}

func (j *persistentJar) saveLocked() {
	cookies := j.jar.Cookies(j.scope)
	if len(cookies) == 0 {
		if err := j.durable.Delete(keyCookies); err != nil {
			j.log.WithError(err).Warn("failed to clear saved cookies")
		}
		return
	}
	saved := make([]savedCookie, 0, len(cookies))
	for _, c := range cookies {
		saved = append(saved, savedCookie{Name: c.Name, Value: c.Value})
	}
	if err := j.durable.Set(keyCookies, saved); err != nil {
		j.log.WithError(err).Warn("failed to save cookies")
	}
}
