//go:build !no_automation

package automation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "scripts")
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerListEmpty(t *testing.T) {
	m := newTestManager(t)
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("list count = %d, want 0", len(scripts))
	}
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta: ScriptMeta{
			Name:        "Doorbell Stream",
			Description: "Stream the front door on ring",
			Enabled:     true,
		},
		LuaCode: `eufy.log("hello")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "doorbell_stream" {
		t.Errorf("id = %q, want doorbell_stream", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta.Name != "Doorbell Stream" {
		t.Errorf("name = %q", got.Meta.Name)
	}
	if got.Meta.Description != "Stream the front door on ring" {
		t.Errorf("description = %q", got.Meta.Description)
	}
	if !got.Meta.Enabled {
		t.Error("enabled = false, want true")
	}
	if got.LuaCode != "eufy.log(\"hello\")\n" {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
}

func TestManagerSaveExistingID(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		ID:      "my_script",
		Meta:    ScriptMeta{Name: "My Script", Enabled: true},
		LuaCode: `eufy.log("v1")`,
	})
	if err != nil {
		t.Fatal(err)
	}

	saved.LuaCode = `eufy.log("v2")`
	if _, err := m.Save(saved); err != nil {
		t.Fatal(err)
	}

	got, err := m.Get("my_script")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.LuaCode, `eufy.log("v2")`) {
		t.Errorf("lua_code after update = %q", got.LuaCode)
	}
	if _, err := os.Stat(saved.FilePath + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestManagerSaveRejectsBadID(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Save(&Script{ID: "../escape", Meta: ScriptMeta{Name: "x"}}); err == nil {
		t.Fatal("expected error for path traversal id")
	}
}

func TestManagerList(t *testing.T) {
	m := newTestManager(t)

	for _, name := range []string{"Alpha", "Beta", "Gamma"} {
		if _, err := m.Save(&Script{
			Meta:    ScriptMeta{Name: name, Enabled: true},
			LuaCode: `eufy.log("` + name + `")`,
		}); err != nil {
			t.Fatal(err)
		}
	}
	// Not a script.
	if err := os.WriteFile(filepath.Join(m.dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 3 {
		t.Fatalf("list count = %d, want 3", len(scripts))
	}
	if scripts[0].ID != "alpha" || scripts[2].ID != "gamma" {
		t.Errorf("order = %s..%s", scripts[0].ID, scripts[2].ID)
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{Meta: ScriptMeta{Name: "ToDelete"}, LuaCode: `eufy.log("bye")`})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("Get after delete: err = %v, want ErrScriptNotFound", err)
	}
	if err := m.Delete(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("second Delete: err = %v, want ErrScriptNotFound", err)
	}
}

func TestManagerGetNotFound(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Get("nonexistent"); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("err = %v, want ErrScriptNotFound", err)
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)

	s1, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}, LuaCode: `eufy.log("1")`})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}, LuaCode: `eufy.log("2")`})
	if err != nil {
		t.Fatal(err)
	}
	if s1.ID == s2.ID {
		t.Errorf("expected unique IDs, got %q for both", s1.ID)
	}
	if s2.ID != "dup_1" {
		t.Errorf("second id = %q, want dup_1", s2.ID)
	}
}

func TestParseScriptFile(t *testing.T) {
	dir := t.TempDir()
	content := `-- {"name":"Away Arm","description":"Arm when leaving","enabled":true}

eufy.on("push_message", {device="T8113P1"}, function(event)
    eufy.set_guard_mode("T8010P1", "AWAY")
end)
`
	path := filepath.Join(dir, "away.lua")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := parseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "away" {
		t.Errorf("id = %q, want away", s.ID)
	}
	if s.Meta.Name != "Away Arm" || !s.Meta.Enabled {
		t.Errorf("meta = %+v", s.Meta)
	}
	if !strings.HasPrefix(s.LuaCode, `eufy.on("push_message"`) {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestParseScriptWithoutHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bare.lua")
	if err := os.WriteFile(path, []byte("eufy.log(\"x\")\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := parseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Meta.Name != "" || s.LuaCode != "eufy.log(\"x\")\n" {
		t.Errorf("script = %+v", s)
	}
}

func TestSerializeScript(t *testing.T) {
	content := serializeScript(&Script{
		ID:      "test",
		Meta:    ScriptMeta{Name: "Test", Description: "desc", Enabled: true},
		LuaCode: `eufy.log("hi")`,
	})
	want := "-- {\"name\":\"Test\",\"description\":\"desc\",\"enabled\":true}\n\neufy.log(\"hi\")\n"
	if content != want {
		t.Errorf("content = %q, want %q", content, want)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Front Door", "front_door"},
		{"hello world!", "hello_world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{"UPPER", "upper"},
	}
	for _, tt := range tests {
		if got := slugify(tt.input); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
