package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadUploadDirSkipsHiddenAndDirs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.png", "a.jpg", ".DS_Store"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	files, err := readUploadDir(dir)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(files) != 2 || files[0].Name != "a.jpg" || files[1].Name != "b.png" {
		t.Fatalf("ожидали a.jpg и b.png по порядку, получили %+v", files)
	}
	if files[0].ContentType != "image/jpeg" || string(files[1].Data) != "b.png" {
		t.Fatalf("неверное содержимое: %q %q", files[0].ContentType, files[1].Data)
	}
}

func TestReadUploadDirMissing(t *testing.T) {
	if _, err := readUploadDir(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("ожидали ошибку для отсутствующего каталога")
	}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	for _, name := range []string{"run", "job", "room"} {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("команда %s не найдена: %v", name, err)
		}
	}
	if runCmd.Flags().Lookup("out") == nil || roomCmd.Flags().Lookup("identity") == nil {
		t.Fatalf("флаги не зарегистрированы")
	}
}

func TestPrintJSONIndents(t *testing.T) {
	var buf bytes.Buffer
	if err := printJSON(&buf, map[string]int{"a": 1}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !strings.Contains(buf.String(), "\n  \"a\": 1") {
		t.Fatalf("ожидали отступы, получили %q", buf.String())
	}
}
