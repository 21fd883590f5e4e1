package packager

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readZip(t *testing.T, p string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(p)
	require.NoError(t, err)
	defer zr.Close()
	out := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		out[f.Name] = string(b)
	}
	return out
}

func imagesFixture(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "images")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.png"), []byte("B"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), []byte("A"), 0o644))
	return dir
}

func TestBuild_LocalLayout(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out", "report_pdf_result.zip")
	pkg, err := Build("# hi\n![](images/a.png)", imagesFixture(t), true, dest)
	require.NoError(t, err)

	assert.Equal(t, dest, pkg.ArchivePath)
	assert.Equal(t, []string{"document.md", "images/a.png", "images/b.png"}, pkg.Entries)
	assert.Greater(t, pkg.Size, int64(0))
	assert.NoFileExists(t, dest+".tmp")

	files := readZip(t, dest)
	assert.Equal(t, "# hi\n![](images/a.png)", files["document.md"])
	assert.Equal(t, "A", files["images/a.png"])
	assert.Equal(t, "B", files["images/b.png"])
}

func TestBuild_RemoteModeHasOnlyMarkdown(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "r.zip")
	pkg, err := Build("![](https://cdn/a.png)", imagesFixture(t), false, dest)
	require.NoError(t, err)
	assert.Equal(t, []string{"document.md"}, pkg.Entries)
	assert.Len(t, readZip(t, dest), 1)
}

func TestBuild_Deterministic(t *testing.T) {
	imgs := imagesFixture(t)
	dir := t.TempDir()
	_, err := Build("same", imgs, true, filepath.Join(dir, "1.zip"))
	require.NoError(t, err)
	_, err = Build("same", imgs, true, filepath.Join(dir, "2.zip"))
	require.NoError(t, err)

	a, err := os.ReadFile(filepath.Join(dir, "1.zip"))
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(dir, "2.zip"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b))
}

func TestBuild_MissingImagesDirIsEmpty(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "x.zip")
	pkg, err := Build("md", filepath.Join(t.TempDir(), "nope"), true, dest)
	require.NoError(t, err)
	assert.Equal(t, []string{"document.md"}, pkg.Entries)
}

func TestBuild_UnwritableDestIsPackagingFault(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	_, err := Build("md", "", false, filepath.Join(blocker, "sub", "a.zip"))
	assert.ErrorIs(t, err, ErrPackagingFault)
}

func TestArchiveName(t *testing.T) {
	assert.Equal(t, "report_pdf_result.zip", ArchiveName("report.PDF", "pdf"))
	assert.Equal(t, "my_deck_pptx_result.zip", ArchiveName("my deck.pptx", "pptx"))
	assert.Equal(t, "upload_html_result.zip", ArchiveName("upload", "html"))
}
