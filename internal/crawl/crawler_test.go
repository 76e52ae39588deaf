package crawl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsBinary_NULWithinSniffWindow(t *testing.T) {
	content := make([]byte, 8192)
	for i := range content {
		content[i] = 'a'
	}
	content[8191] = 0
	assert.True(t, IsBinary(content))
}

func TestIsBinary_NULBeyondSniffWindow(t *testing.T) {
	content := make([]byte, 8193)
	for i := range content {
		content[i] = 'a'
	}
	content[8192] = 0
	assert.False(t, IsBinary(content))
}

func TestIsBinary_PlainText(t *testing.T) {
	assert.False(t, IsBinary([]byte("package main\n\nfunc main() {}\n")))
}

func TestClassifier_DefaultExtensions(t *testing.T) {
	c := NewClassifier(0, nil, nil)
	assert.True(t, c.AllowExtension("go"))
	assert.True(t, c.AllowExtension(".GO"))
	assert.False(t, c.AllowExtension("bin"))
}

func TestClassifier_ExplicitAllowList(t *testing.T) {
	c := NewClassifier(0, []string{"rs", ".rb"}, nil)
	assert.True(t, c.AllowExtension("rs"))
	assert.True(t, c.AllowExtension("rb"))
	assert.False(t, c.AllowExtension("go"))
}

func TestClassifier_ExcludesDefaultDirs(t *testing.T) {
	c := NewClassifier(0, nil, nil)
	assert.True(t, c.ExcludePath("vendor/pkg/file.go"))
	assert.True(t, c.ExcludePath(".git/HEAD"))
	assert.False(t, c.ExcludePath("src/main.go"))
}

func TestClassifier_ExcludeGlobs(t *testing.T) {
	c := NewClassifier(0, nil, []string{"*.generated.go"})
	assert.True(t, c.ExcludePath("pkg/models.generated.go"))
	assert.False(t, c.ExcludePath("pkg/models.go"))
}

func TestClassifier_Admit(t *testing.T) {
	c := NewClassifier(10, nil, nil)
	assert.True(t, c.Admit("main.go", "go", 5, []byte("package main")))
	assert.False(t, c.Admit("main.go", "go", 11, []byte("package main")))
	assert.False(t, c.Admit("main.bin", "bin", 5, []byte("package main")))
	assert.False(t, c.Admit("main.go", "go", 5, []byte{0, 0, 0}))
	assert.False(t, c.Admit("vendor/main.go", "go", 5, []byte("package main")))
}

func TestExtensionOf(t *testing.T) {
	assert.Equal(t, "rs", ExtensionOf("auth.rs"))
	assert.Equal(t, "rs", ExtensionOf("src/auth.RS"))
	assert.Equal(t, "", ExtensionOf("Makefile"))
}

func TestCancelHandle(t *testing.T) {
	h := NewCancelToken()
	assert.False(t, h.Cancelled())
	select {
	case <-h.Done():
		t.Fatal("token should not be done yet")
	default:
	}
	h.Cancel()
	assert.True(t, h.Cancelled())
	h.Cancel() // idempotent
	select {
	case <-h.Done():
	default:
		t.Fatal("token should be done after Cancel")
	}
}
