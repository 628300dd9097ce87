package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Workspace tracks which change the current working directory is bound to.
// The binding lives under .changeflow/change so every command after `start`
// can omit the change ID.
type Workspace struct {
	root string
}

// NewWorkspace binds to the current working directory.
func NewWorkspace() (*Workspace, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return newWorkspaceWithRoot(wd), nil
}

func newWorkspaceWithRoot(root string) *Workspace {
	return &Workspace{root: root}
}

func (w *Workspace) dir() string {
	return filepath.Join(w.root, ".changeflow")
}

func (w *Workspace) changeFile() string {
	return filepath.Join(w.dir(), "change")
}

// BindChange records the active change ID for this directory.
func (w *Workspace) BindChange(changeID string) error {
	if changeID == "" {
		return errors.New("missing change id")
	}
	if err := os.MkdirAll(w.dir(), 0o755); err != nil {
		return err
	}
	return os.WriteFile(w.changeFile(), []byte(changeID+"\n"), 0o644)
}

// ChangeID returns the bound change ID, or an error when none is bound.
func (w *Workspace) ChangeID() (string, error) {
	data, err := os.ReadFile(w.changeFile())
	if errors.Is(err, os.ErrNotExist) {
		return "", errors.New("no active change here, run `cf start <feature>` first")
	}
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", errors.New("active change binding is empty")
	}
	return id, nil
}

// Unbind removes the binding, typically after a merge.
func (w *Workspace) Unbind() error {
	err := os.Remove(w.changeFile())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
