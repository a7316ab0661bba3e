package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.json")
	store, err := Load(path)
	require.NoError(t, err)
	return store
}

func TestLoadCreatesDefaultsAndSecrets(t *testing.T) {
	store := tempStore(t)

	settings := store.Settings()
	assert.Equal(t, "0.0.0.0", settings.Host)
	assert.Equal(t, 5000, settings.Port)
	assert.Equal(t, 60, settings.PushallInterval)
	assert.True(t, settings.AuthEnabled)
	assert.NotEmpty(t, settings.APIToken)
	assert.NotEmpty(t, settings.AdminToken)
	assert.NotEmpty(t, settings.SessionSecret)

	// The generated document must already be on disk.
	raw, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, settings.APIToken, doc.AppSettings.APIToken)
}

func TestLoadPreservesExplicitFalse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"app_settings":{"auth_enabled":false,"api_token":"t","admin_token":"t2","session_secret":"s"}}`), 0o600))

	store, err := Load(path)
	require.NoError(t, err)
	assert.False(t, store.Settings().AuthEnabled)
	assert.Equal(t, "t", store.Settings().APIToken)
}

func TestAddPrinter(t *testing.T) {
	store := tempStore(t)

	require.NoError(t, store.AddPrinter(Printer{ID: "p1", Name: "X1C", IP: "10.0.0.5", Serial: "22E1", AccessCode: "code"}))
	assert.Equal(t, "p1", store.DefaultPrinterID())

	err := store.AddPrinter(Printer{ID: "p1", Serial: "other"})
	assert.ErrorContains(t, err, "already exists")

	err = store.AddPrinter(Printer{ID: "p2", Serial: "22E1"})
	assert.ErrorContains(t, err, "already registered")

	require.NoError(t, store.AddPrinter(Printer{ID: "p2", Serial: "22E2"}))
	assert.Equal(t, "p1", store.DefaultPrinterID())
}

func TestDeletePrinter(t *testing.T) {
	store := tempStore(t)
	require.NoError(t, store.AddPrinter(Printer{ID: "p1", Serial: "s1"}))

	err := store.DeletePrinter("p1")
	assert.ErrorContains(t, err, "only configured printer")

	require.NoError(t, store.AddPrinter(Printer{ID: "p2", Serial: "s2"}))
	require.NoError(t, store.DeletePrinter("p1"))

	// The default moves off the deleted printer.
	assert.Equal(t, "p2", store.DefaultPrinterID())
	_, ok := store.Printer("p1")
	assert.False(t, ok)
}

func TestSetDefaultPrinter(t *testing.T) {
	store := tempStore(t)
	require.NoError(t, store.AddPrinter(Printer{ID: "p1", Serial: "s1"}))
	require.NoError(t, store.AddPrinter(Printer{ID: "p2", Serial: "s2"}))

	require.NoError(t, store.SetDefaultPrinter("p2"))
	assert.Equal(t, "p2", store.DefaultPrinterID())

	assert.Error(t, store.SetDefaultPrinter("nope"))
}

func TestUpdatePrinter(t *testing.T) {
	store := tempStore(t)
	require.NoError(t, store.AddPrinter(Printer{ID: "p1", Serial: "s1", Name: "old"}))

	require.NoError(t, store.UpdatePrinter("p1", func(p *Printer) { p.Name = "new" }))
	p, _ := store.Printer("p1")
	assert.Equal(t, "new", p.Name)

	assert.Error(t, store.UpdatePrinter("nope", func(p *Printer) {}))
}

func TestSubscribeNotifies(t *testing.T) {
	store := tempStore(t)
	var calls int
	store.Subscribe(func() { calls++ })

	require.NoError(t, store.AddPrinter(Printer{ID: "p1", Serial: "s1"}))
	require.NoError(t, store.UpdateSettings(func(s *AppSettings) { s.Port = 8080 }))
	assert.Equal(t, 2, calls)
}

func TestReload(t *testing.T) {
	store := tempStore(t)
	require.NoError(t, store.AddPrinter(Printer{ID: "p1", Serial: "s1"}))

	other, err := Load(store.Path())
	require.NoError(t, err)
	require.NoError(t, other.UpdateSettings(func(s *AppSettings) { s.Port = 9999 }))

	require.NoError(t, store.Reload())
	assert.Equal(t, 9999, store.Settings().Port)
}

func TestActiveBindingFollowsDefault(t *testing.T) {
	store := tempStore(t)
	binding := NewActiveBinding(store)
	assert.False(t, binding.Current().Valid)

	require.NoError(t, store.AddPrinter(Printer{ID: "p1", Serial: "s1", IP: "10.0.0.5"}))
	current := binding.Current()
	require.True(t, current.Valid)
	assert.Equal(t, "p1", current.Printer.ID)
	gen := current.Generation

	// No change, no new generation.
	require.NoError(t, store.UpdateSettings(func(s *AppSettings) { s.Port = 8080 }))
	assert.Equal(t, gen, binding.Current().Generation)

	require.NoError(t, store.AddPrinter(Printer{ID: "p2", Serial: "s2"}))
	require.NoError(t, store.SetDefaultPrinter("p2"))
	current = binding.Current()
	assert.Equal(t, "p2", current.Printer.ID)
	assert.Greater(t, current.Generation, gen)
}

func TestActiveBindingSelect(t *testing.T) {
	store := tempStore(t)
	require.NoError(t, store.AddPrinter(Printer{ID: "p1", Serial: "s1"}))
	require.NoError(t, store.AddPrinter(Printer{ID: "p2", Serial: "s2"}))

	binding := NewActiveBinding(store)
	assert.Equal(t, "p1", binding.Current().Printer.ID)

	binding.Select("p2")
	assert.Equal(t, "p2", binding.Current().Printer.ID)

	binding.Select("")
	assert.Equal(t, "p1", binding.Current().Printer.ID)
}
