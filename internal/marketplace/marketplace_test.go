package marketplace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/flux/internal/observability"
	"github.com/haasonsaas/flux/internal/tools"
)

const sampleTool = `SCHEMA = {
    'name': 'greet',
    'description': 'Greets a person by name',
    'input_schema': {
        'type': 'object',
        'properties': {'name': {'type': 'string'}},
        'required': ['name'],
    },
}

def main(name):
    return 'hello ' + name
`

type fixture struct {
	mp        *Marketplace
	cacheDir  string
	toolsDir  string
	approvals *tools.ApprovalStore
}

func newFixture(t *testing.T, entries map[string]Entry) *fixture {
	t.Helper()
	base := t.TempDir()
	cacheDir := filepath.Join(base, "cache")
	toolsDir := filepath.Join(base, "tools")
	os.MkdirAll(cacheDir, 0o755)
	os.MkdirAll(toolsDir, 0o755)

	raw, _ := json.Marshal(registryFile{Version: "1", Tools: entries})
	registryPath := filepath.Join(base, "registry.json")
	if err := os.WriteFile(registryPath, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	approvals := tools.NewApprovalStore(toolsDir)
	mp := New(Config{
		RegistryPath:  registryPath,
		InstalledPath: filepath.Join(base, "installed.json"),
		CacheDir:      cacheDir,
		ToolsDir:      toolsDir,
		Logger:        observability.NewNopLogger(),
	}, approvals)
	return &fixture{mp: mp, cacheDir: cacheDir, toolsDir: toolsDir, approvals: approvals}
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func greetEntry(hash string) Entry {
	return Entry{
		Name:        "greet",
		Filename:    "greet.py",
		Description: "Greets a person",
		Version:     "1.0.0",
		Author:      "flux",
		Category:    "demo",
		SHA256:      hash,
	}
}

func TestInstallLifecycle(t *testing.T) {
	fx := newFixture(t, map[string]Entry{"greet": greetEntry(hashOf(sampleTool))})
	ctx := context.Background()
	os.WriteFile(filepath.Join(fx.cacheDir, "greet.py"), []byte(sampleTool), 0o644)

	record, err := fx.mp.Install(ctx, "greet")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if record.Name != "greet" || record.InstalledAt.IsZero() {
		t.Errorf("record = %+v", record)
	}

	installed, _ := os.ReadFile(filepath.Join(fx.toolsDir, "greet.py"))
	if string(installed) != sampleTool {
		t.Error("installed bytes differ from candidate")
	}

	// The install action doubles as hash approval for the runtime registry.
	ok, _ := fx.approvals.IsApproved("greet.py", hashOf(sampleTool))
	if !ok {
		t.Error("installed hash not approved")
	}

	if _, err := fx.mp.Install(ctx, "greet"); !errors.Is(err, ErrAlreadyInstalled) {
		t.Errorf("second install error = %v", err)
	}

	if err := fx.mp.Uninstall(ctx, "greet"); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	if _, err := os.Stat(filepath.Join(fx.toolsDir, "greet.py")); !os.IsNotExist(err) {
		t.Error("tool file survived uninstall")
	}
	if err := fx.mp.Uninstall(ctx, "greet"); !errors.Is(err, ErrNotInstalled) {
		t.Errorf("second uninstall error = %v", err)
	}

	// install → uninstall → install converges to the installed state.
	if _, err := fx.mp.Install(ctx, "greet"); err != nil {
		t.Fatalf("reinstall: %v", err)
	}
}

func TestInstallUnknownTool(t *testing.T) {
	fx := newFixture(t, nil)
	if _, err := fx.mp.Install(context.Background(), "ghost"); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("err = %v", err)
	}
}

func TestInstallHashGate(t *testing.T) {
	fx := newFixture(t, map[string]Entry{
		"greet": greetEntry("0000000000000000000000000000000000000000000000000000000000000000"),
	})
	ctx := context.Background()
	os.WriteFile(filepath.Join(fx.cacheDir, "greet.py"), []byte(sampleTool), 0o644)

	if _, err := fx.mp.Install(ctx, "greet"); !errors.Is(err, ErrHashMismatch) {
		t.Errorf("mismatch err = %v", err)
	}
}

func TestInstallMissingRegistryHash(t *testing.T) {
	fx := newFixture(t, map[string]Entry{"greet": greetEntry("")})
	ctx := context.Background()
	os.WriteFile(filepath.Join(fx.cacheDir, "greet.py"), []byte(sampleTool), 0o644)

	if _, err := fx.mp.Install(ctx, "greet"); !errors.Is(err, ErrMissingRegistryHash) {
		t.Errorf("missing-hash err = %v", err)
	}
}

func TestInstallSecurityGates(t *testing.T) {
	dangerous := "import subprocess\n" + sampleTool
	fx := newFixture(t, map[string]Entry{"greet": greetEntry(hashOf(dangerous))})
	ctx := context.Background()
	os.WriteFile(filepath.Join(fx.cacheDir, "greet.py"), []byte(dangerous), 0o644)

	if _, err := fx.mp.Install(ctx, "greet"); err == nil {
		t.Error("dangerous tool installed")
	}

	// Bad filename rejected before any file read.
	entry := greetEntry(hashOf(sampleTool))
	entry.Filename = "Greet.PY"
	fx2 := newFixture(t, map[string]Entry{"greet": entry})
	if _, err := fx2.mp.Install(ctx, "greet"); err == nil {
		t.Error("bad filename installed")
	}
}

func TestInstallContractGate(t *testing.T) {
	noMain := "SCHEMA = {'name': 'greet', 'description': 'd'}\n"
	fx := newFixture(t, map[string]Entry{"greet": greetEntry(hashOf(noMain))})
	ctx := context.Background()
	os.WriteFile(filepath.Join(fx.cacheDir, "greet.py"), []byte(noMain), 0o644)

	if _, err := fx.mp.Install(ctx, "greet"); err == nil {
		t.Error("tool without main installed")
	}
}

func TestVerifyIntegrity(t *testing.T) {
	fx := newFixture(t, map[string]Entry{"greet": greetEntry(hashOf(sampleTool))})
	ctx := context.Background()
	os.WriteFile(filepath.Join(fx.cacheDir, "greet.py"), []byte(sampleTool), 0o644)
	if _, err := fx.mp.Install(ctx, "greet"); err != nil {
		t.Fatal(err)
	}

	statuses, err := fx.mp.VerifyIntegrity()
	if err != nil {
		t.Fatal(err)
	}
	if statuses["greet"] != IntegrityOK {
		t.Errorf("status = %s, want ok", statuses["greet"])
	}

	os.WriteFile(filepath.Join(fx.toolsDir, "greet.py"), []byte(sampleTool+"\n# tampered\n"), 0o644)
	statuses, _ = fx.mp.VerifyIntegrity()
	if statuses["greet"] != IntegrityTampered {
		t.Errorf("status = %s, want tampered", statuses["greet"])
	}

	os.Remove(filepath.Join(fx.toolsDir, "greet.py"))
	statuses, _ = fx.mp.VerifyIntegrity()
	if statuses["greet"] != IntegrityMissing {
		t.Errorf("status = %s, want missing", statuses["greet"])
	}
}
