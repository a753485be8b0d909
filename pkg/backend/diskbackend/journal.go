// The journal gives the disk backend crash atomicity. Writing a relative
// path F stages the new content at new/F; removing F moves it to
// delete/F. Commit drops every delete/F, promotes every new/F to F, and
// finally renames new/metadata to metadata - that last rename is the
// single point at which a crash can no longer un-happen the commit.
// Recovering on Open replays a commit if new/metadata is present, and
// otherwise rolls back any partially staged writes.
package diskbackend

import (
	"io/fs"
	"os"
	"path/filepath"
)

type journal struct {
	root string
}

func (j *journal) newPath(rel string) string {
	return filepath.Join(j.root, "new", rel)
}

func (j *journal) deletePath(rel string) string {
	return filepath.Join(j.root, "delete", rel)
}

func (j *journal) realPath(rel string) string {
	return filepath.Join(j.root, rel)
}

// stageWrite writes data to new/rel via write-to-temp-then-rename, so a
// crash mid-write never leaves a partially written file visible even
// inside the staging area.
func (j *journal) stageWrite(rel string, data []byte) error {
	dst := j.newPath(rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

// stageRemove arranges for rel to be absent after the next commit. A
// pending write for rel is discarded, and if rel exists in the committed
// tree, it is moved atomically to delete/rel. Returns ok=false if rel
// exists in neither place.
func (j *journal) stageRemove(rel string) (ok bool, err error) {
	newP := j.newPath(rel)
	hadNew := false
	if _, err := os.Stat(newP); err == nil {
		if err := os.Remove(newP); err != nil {
			return false, err
		}
		hadNew = true
	} else if !os.IsNotExist(err) {
		return false, err
	}

	realP := j.realPath(rel)
	if _, err := os.Stat(realP); err != nil {
		if os.IsNotExist(err) {
			return hadNew, nil
		}
		return false, err
	}

	dst := j.deletePath(rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, err
	}
	if err := os.Rename(realP, dst); err != nil {
		return false, err
	}
	return true, nil
}

// read returns the current content of rel, accounting for staged writes
// and deletes: a pending write wins, a pending delete hides the committed
// file, otherwise the committed file (if any) is returned.
func (j *journal) read(rel string) ([]byte, bool, error) {
	if data, err := os.ReadFile(j.newPath(rel)); err == nil {
		return data, true, nil
	} else if !os.IsNotExist(err) {
		return nil, false, err
	}

	if _, err := os.Stat(j.deletePath(rel)); err == nil {
		return nil, false, nil
	}

	data, err := os.ReadFile(j.realPath(rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// commit drops every staged delete, promotes every staged write to its
// real path (metadata last), then clears the staging directories.
func (j *journal) commit() error {
	if err := os.RemoveAll(filepath.Join(j.root, "delete")); err != nil {
		return err
	}

	var metadataStaged bool
	err := walkFiles(j.newPath(""), func(rel string) error {
		if rel == metadataPath {
			metadataStaged = true
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(j.realPath(rel)), 0o755); err != nil {
			return err
		}
		return os.Rename(j.newPath(rel), j.realPath(rel))
	})
	if err != nil {
		return err
	}

	if metadataStaged {
		if err := os.Rename(j.newPath(metadataPath), j.realPath(metadataPath)); err != nil {
			return err
		}
	}

	return os.RemoveAll(filepath.Join(j.root, "new"))
}

// rollback discards every staged write and restores every staged delete
// to its original location. Used on Open when a previous commit was
// interrupted before the metadata rename.
func (j *journal) rollback() error {
	err := walkFiles(j.deletePath(""), func(rel string) error {
		if err := os.MkdirAll(filepath.Dir(j.realPath(rel)), 0o755); err != nil {
			return err
		}
		return os.Rename(j.deletePath(rel), j.realPath(rel))
	})
	if err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(j.root, "delete")); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(j.root, "new"))
}

// recover inspects the staging directories left over from a previous
// process and either replays or rolls back an interrupted commit.
func (j *journal) recover() error {
	if _, err := os.Stat(j.newPath(metadataPath)); err == nil {
		return j.commit()
	}

	newExists := dirHasEntries(filepath.Join(j.root, "new"))
	deleteExists := dirHasEntries(filepath.Join(j.root, "delete"))
	if newExists || deleteExists {
		return j.rollback()
	}
	return nil
}

func dirHasEntries(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	return len(entries) > 0
}

// walkFiles calls fn with the path of every regular file under root,
// relative to root, skipping .tmp files left by an interrupted stageWrite.
func walkFiles(root string, fn func(rel string) error) error {
	_, err := os.Stat(root)
	if os.IsNotExist(err) {
		return nil
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if filepath.Ext(path) == ".tmp" {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		return fn(rel)
	})
}
