package vfs

import (
	"context"
	"strings"

	"github.com/OSGeo/gdal-sub056/internal/cache"
	"github.com/OSGeo/gdal-sub056/internal/protocol"
	"github.com/OSGeo/gdal-sub056/pkg/types"
	"github.com/OSGeo/gdal-sub056/pkg/utils"
)

// SynthesizeEntries converts one listing page under prefix into
// directory entries. Object stores have no real directories; rolled-up
// common prefixes and intermediate key components both appear as
// synthetic directory entries. seen carries the names already emitted by
// earlier pages so each name appears exactly once across the whole
// enumeration. A file and a directory sharing a name are disambiguated
// by a trailing slash on the directory entry.
func SynthesizeEntries(page *protocol.ListObjectsResult, prefix string, seen map[string]bool) []types.DirEntry {
	var out []types.DirEntry

	// Direct file names first, so a directory that collides with a file
	// name can be disambiguated even when both land on the same page.
	// Keys are sorted, so a colliding file always appears no later than
	// the first key under the directory.
	var files []protocol.ObjectEntry
	for _, obj := range page.Contents {
		rel := strings.TrimPrefix(obj.Key, prefix)
		if rel == "" || strings.ContainsRune(rel, '/') {
			continue
		}
		if !seen["f:"+rel] {
			seen["f:"+rel] = true
			files = append(files, obj)
		}
	}

	emitDir := func(name string, synthetic bool) {
		if name == "" || seen["d:"+name] {
			return
		}
		seen["d:"+name] = true
		display := name
		if seen["f:"+name] {
			display = name + "/"
		}
		out = append(out, types.DirEntry{
			Name:      display,
			IsDir:     true,
			Synthetic: synthetic,
		})
	}

	for _, cp := range page.CommonPrefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(cp.Prefix, prefix), "/")
		emitDir(name, true)
	}

	for _, obj := range page.Contents {
		rel := strings.TrimPrefix(obj.Key, prefix)
		if rel == "" {
			// The directory's own marker object.
			continue
		}
		if strings.HasSuffix(rel, "/") && strings.IndexByte(rel, '/') == len(rel)-1 {
			// A zero-byte marker object for an explicit child directory.
			emitDir(strings.TrimSuffix(rel, "/"), false)
			continue
		}
		if idx := strings.IndexByte(rel, '/'); idx >= 0 {
			// A nested key; only its first component belongs here.
			emitDir(rel[:idx], true)
		}
	}

	for _, obj := range files {
		out = append(out, protocol.EntryFromObject(obj, prefix))
	}
	return out
}

// DirOptions tunes an enumeration.
type DirOptions struct {
	// RecurseDepth limits descent into subdirectories: 0 lists a single
	// level, -1 recurses without bound, n > 0 descends n levels. Entries
	// from nested levels carry their path relative to the opened
	// directory.
	RecurseDepth int
	// Prefix keeps only entries whose name starts with it, narrowing the
	// listing server side.
	Prefix string
}

// DirReader enumerates one directory page by page. With a recurse depth
// it opens nested readers lazily, one subdirectory at a time, so memory
// and outstanding requests stay bounded.
type DirReader struct {
	fs     *FileSystem
	client *protocol.Client
	dir    string
	prefix string
	opts   DirOptions

	seen    map[string]bool
	pending []types.DirEntry
	token   string
	done    bool

	sub     *DirReader
	subName string

	// cacheable enumerations populate the listing cache on completion.
	cacheable bool
	all       []types.DirEntry
}

// OpenDir starts a single-level enumeration of path ("bucket" or
// "bucket/dir"). A directory registered as empty answers from memory.
func (fs *FileSystem) OpenDir(ctx context.Context, path string) (*DirReader, error) {
	return fs.OpenDirExt(ctx, path, DirOptions{})
}

// OpenDirExt starts an enumeration with recursion and filter options.
func (fs *FileSystem) OpenDirExt(ctx context.Context, path string, opts DirOptions) (*DirReader, error) {
	if err := utils.ValidatePath(path); err != nil {
		return nil, err
	}
	bucket, key := utils.SplitBucketKey(path)

	plain := opts.RecurseDepth == 0 && opts.Prefix == ""
	if plain {
		if listing, ok := fs.cache.GetListing(path); ok && listing.Complete {
			fs.metrics.RecordCacheLookup(true)
			return &DirReader{fs: fs, dir: path, pending: append([]types.DirEntry(nil), listing.Entries...), done: true}, nil
		}
		if fs.cache.IsKnownEmptyDir(path) {
			fs.metrics.RecordCacheLookup(true)
			return &DirReader{fs: fs, dir: path, done: true}, nil
		}
		fs.metrics.RecordCacheLookup(false)
	}

	prefix := ""
	if key != "" {
		prefix = key + "/"
	}
	return &DirReader{
		fs:        fs,
		client:    fs.client(bucket),
		dir:       path,
		prefix:    prefix,
		opts:      opts,
		cacheable: plain,
		seen:      make(map[string]bool),
	}, nil
}

// Next returns the next directory entry, or ok=false at the end of the
// enumeration.
func (r *DirReader) Next(ctx context.Context) (types.DirEntry, bool, error) {
	for {
		if r.sub != nil {
			entry, ok, err := r.sub.Next(ctx)
			if err != nil {
				return types.DirEntry{}, false, err
			}
			if ok {
				entry.Name = r.subName + "/" + entry.Name
				return entry, true, nil
			}
			r.sub = nil
		}
		if len(r.pending) == 0 {
			if r.done {
				return types.DirEntry{}, false, nil
			}
			if err := r.fetchPage(ctx); err != nil {
				return types.DirEntry{}, false, err
			}
			continue
		}
		entry := r.pending[0]
		r.pending = r.pending[1:]
		if entry.IsDir && r.opts.RecurseDepth != 0 {
			name := strings.TrimSuffix(entry.Name, "/")
			depth := r.opts.RecurseDepth
			if depth > 0 {
				depth--
			}
			sub, err := r.fs.OpenDirExt(ctx, r.dir+"/"+name, DirOptions{RecurseDepth: depth})
			if err != nil {
				return types.DirEntry{}, false, err
			}
			r.sub, r.subName = sub, name
		}
		return entry, true, nil
	}
}

// ReadAll drains the enumeration.
func (r *DirReader) ReadAll(ctx context.Context) ([]types.DirEntry, error) {
	var out []types.DirEntry
	for {
		entry, ok, err := r.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, entry)
	}
}

func (r *DirReader) fetchPage(ctx context.Context) error {
	page, err := r.client.ListPage(ctx, protocol.ListRequest{
		Prefix:            r.prefix + r.opts.Prefix,
		Delimiter:         "/",
		MaxKeys:           r.fs.opts.MaxKeys,
		ContinuationToken: r.token,
	})
	if err != nil {
		return err
	}
	entries := SynthesizeEntries(page, r.prefix, r.seen)
	r.pending = append(r.pending, entries...)
	r.all = append(r.all, entries...)
	r.populateProperties(entries)

	if page.IsTruncated && page.NextContinuationToken != "" {
		r.token = page.NextContinuationToken
		return nil
	}
	r.done = true
	if r.cacheable {
		r.fs.cache.SetListing(r.dir, cache.DirListing{Entries: r.all, Complete: true})
	}
	return nil
}

// populateProperties seeds the property cache from listing entries so a
// Stat right after ReadDir needs no extra request.
func (r *DirReader) populateProperties(entries []types.DirEntry) {
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name, "/")
		path := r.dir + "/" + name
		if e.IsDir {
			r.fs.cache.SetProperties(path, types.FileProperties{
				Exists: types.ExistsYes,
				IsDir:  true,
			})
			continue
		}
		r.fs.cache.SetProperties(path, types.FileProperties{
			Exists:       types.ExistsYes,
			Size:         e.Size,
			SizeComputed: true,
			MTime:        e.MTime,
			ETag:         e.ETag,
		})
	}
}
