package main

import (
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/go-authgate/session-cli/store"
	"github.com/sirupsen/logrus"
)

const testScope = "http://127.0.0.1:8080/auth/refresh"

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestPersistentJar_SurvivesRestart(t *testing.T) {
	durable := store.NewMemoryStore()
	u, _ := url.Parse(testScope)

	jar, err := newPersistentJar(durable, testScope, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	jar.SetCookies(u, []*http.Cookie{{Name: "refresh_token", Value: "R1", Path: "/", MaxAge: 3600}})

	restored, err := newPersistentJar(durable, testScope, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	api, _ := url.Parse("http://127.0.0.1:8080/api/expenses")
	for _, target := range []*url.URL{u, api} {
		cookies := restored.Cookies(target)
		if len(cookies) != 1 || cookies[0].Value != "R1" {
			t.Errorf("Cookies(%s) = %v", target, cookies)
		}
	}
}

func TestPersistentJar_ExpiredCookieIsForgotten(t *testing.T) {
	durable := store.NewMemoryStore()
	u, _ := url.Parse(testScope)

	jar, err := newPersistentJar(durable, testScope, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	jar.SetCookies(u, []*http.Cookie{{Name: "refresh_token", Value: "R1", Path: "/"}})
	jar.SetCookies(u, []*http.Cookie{{Name: "refresh_token", Value: "", Path: "/", MaxAge: -1}})

	var saved []savedCookie
	if found, _ := durable.Get(keyCookies, &saved); found {
		t.Errorf("expired cookie still saved: %+v", saved)
	}
}

func TestPersistentJar_Clear(t *testing.T) {
	durable := store.NewMemoryStore()
	u, _ := url.Parse(testScope)

	jar, err := newPersistentJar(durable, testScope, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	jar.SetCookies(u, []*http.Cookie{{Name: "refresh_token", Value: "R1", Path: "/"}})
	jar.Clear()

	if cookies := jar.Cookies(u); len(cookies) != 0 {
		t.Errorf("Cookies() after Clear = %v", cookies)
	}
	var saved []savedCookie
	if found, _ := durable.Get(keyCookies, &saved); found {
		t.Errorf("cookies still saved after Clear: %+v", saved)
	}
}

func TestPersistentJar_InvalidScope(t *testing.T) {
	if _, err := newPersistentJar(store.NewMemoryStore(), "://bad", quietLog()); err == nil {
		t.Error("expected error for an invalid scope")
	}
}
