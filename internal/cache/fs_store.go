package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const (
	storeMagic  = "tierfetch.disk"
	storeFormat = "1"
	editPrefix  = ".edit-"
)

// Store 是按 key 寻址、多流、容量受限的磁盘缓存，整个进程共享一个实例。
type Store struct {
	dir  string
	opts Options

	mu      sync.Mutex
	idx     *index
	closed  bool
	size    int64
	clock   int64
	gen     int64
	editing map[string]struct{}
}

// Open 打开（必要时创建）磁盘缓存，并完成版本校验与崩溃恢复。
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("storage path required")
	}
	if opts.ValueCount <= 0 {
		return nil, fmt.Errorf("invalid value count: %d", opts.ValueCount)
	}

	abs, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	opts.Dir = abs

	s := &Store{
		dir:     abs,
		opts:    opts,
		editing: make(map[string]struct{}),
	}

	ctx := context.Background()
	if err := s.load(ctx); err != nil {
		// 索引损坏（截断、非 sqlite 文件、行无法解析）按缓存处理：清空后重建一次。
		if wipeErr := s.wipe(); wipeErr != nil {
			return nil, fmt.Errorf("%w (wipe after: %v)", wipeErr, err)
		}
		if err := s.load(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// load 打开索引并执行恢复；失败时不持有任何句柄。
func (s *Store) load(ctx context.Context) error {
	s.idx = nil
	s.size, s.clock, s.gen = 0, 0, 0
	if err := s.openIndex(ctx); err != nil {
		return err
	}
	if err := s.recover(ctx); err != nil {
		s.idx.close()
		s.idx = nil
		return err
	}
	return nil
}

// openIndex 打开索引并比对版本头，不一致时清空目录重新开始。
func (s *Store) openIndex(ctx context.Context) error {
	idx, err := openIndex(ctx, filepath.Join(s.dir, indexFile))
	if err != nil {
		return err
	}

	want := map[string]string{
		"magic":       storeMagic,
		"format":      storeFormat,
		"app_version": strconv.Itoa(s.opts.AppVersion),
		"value_count": strconv.Itoa(s.opts.ValueCount),
	}
	got, err := idx.header(ctx)
	if err != nil {
		idx.close()
		return fmt.Errorf("read index header: %w", err)
	}

	if len(got) > 0 && !sameHeader(got, want) {
		idx.close()
		if err := s.wipe(); err != nil {
			return err
		}
		if idx, err = openIndex(ctx, filepath.Join(s.dir, indexFile)); err != nil {
			return err
		}
		got = nil
	}
	if len(got) == 0 {
		if err := idx.writeHeader(ctx, want); err != nil {
			idx.close()
			return fmt.Errorf("write index header: %w", err)
		}
	}

	s.idx = idx
	return nil
}

func sameHeader(got, want map[string]string) bool {
	if len(got) != len(want) {
		return false
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

// wipe 删除目录下的全部内容，保留目录本身。
func (s *Store) wipe() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("wipe storage path: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(s.dir, entry.Name())); err != nil {
			return fmt.Errorf("wipe storage path: %w", err)
		}
	}
	return nil
}

// recover 丢弃流文件缺失的索引行，删除索引之外的目录（未提交的编辑、旧代数），再按容量裁剪。
func (s *Store) recover(ctx context.Context) error {
	rows, err := s.idx.all(ctx)
	if err != nil {
		return fmt.Errorf("load index: %w", err)
	}

	live := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if !s.streamsPresent(row) {
			if err := s.idx.delete(ctx, row.key); err != nil {
				return fmt.Errorf("drop broken entry: %w", err)
			}
			continue
		}
		live[entryName(row.key, row.gen)] = struct{}{}
		s.size += row.size
		if row.access > s.clock {
			s.clock = row.access
		}
		if row.gen > s.gen {
			s.gen = row.gen
		}
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan storage path: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, indexFile) {
			continue
		}
		if _, ok := live[name]; ok {
			continue
		}
		os.RemoveAll(filepath.Join(s.dir, name))
	}

	return s.trimLocked(ctx)
}

func (s *Store) streamsPresent(row indexRow) bool {
	for i := 0; i < s.opts.ValueCount; i++ {
		info, err := os.Stat(s.streamPath(row.key, row.gen, i))
		if err != nil || info.IsDir() {
			return false
		}
	}
	return true
}

// Get 打开条目的全部流并刷新其访问时钟；不存在时返回 ErrNotFound。
func (s *Store) Get(ctx context.Context, key string) (*Snapshot, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	row, ok, err := s.idx.lookup(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lookup index: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}

	snapshot := &Snapshot{
		Key:     key,
		files:   make([]*os.File, s.opts.ValueCount),
		lengths: make([]int64, s.opts.ValueCount),
	}
	for i := range snapshot.files {
		f, err := os.Open(s.streamPath(row.key, row.gen, i))
		if err != nil {
			snapshot.Close()
			if errors.Is(err, fs.ErrNotExist) {
				s.removeLocked(ctx, row)
				return nil, ErrNotFound
			}
			return nil, err
		}
		snapshot.files[i] = f
		if info, err := f.Stat(); err == nil {
			snapshot.lengths[i] = info.Size()
		}
	}

	s.clock++
	if err := s.idx.touch(ctx, key, s.clock); err != nil {
		snapshot.Close()
		return nil, fmt.Errorf("touch index: %w", err)
	}
	return snapshot, nil
}

// Edit 返回该 key 的独占编辑器；已有编辑器时返回 ErrEditInProgress。
func (s *Store) Edit(key string) (*Editor, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if _, busy := s.editing[key]; busy {
		return nil, ErrEditInProgress
	}

	tmp, err := os.MkdirTemp(s.dir, editPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("create edit dir: %w", err)
	}
	s.editing[key] = struct{}{}
	return &Editor{
		store:   s,
		key:     key,
		tmpDir:  tmp,
		written: make([]bool, s.opts.ValueCount),
	}, nil
}

// Remove 删除条目；不存在时返回 nil。
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	row, ok, err := s.idx.lookup(ctx, key)
	if err != nil {
		return fmt.Errorf("lookup index: %w", err)
	}
	if !ok {
		return nil
	}
	return s.removeLocked(ctx, row)
}

// Size 返回当前已提交条目的字节总数。
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *Store) MaxSize() int64 {
	return s.opts.MaxSize
}

func (s *Store) Dir() string {
	return s.dir
}

// Len 返回已提交条目数量。
func (s *Store) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.idx.count(ctx)
}

// Close 关闭索引；进行中的编辑在提交时会得到 ErrClosed。
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.idx.close()
}

func (s *Store) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) commit(ctx context.Context, e *Editor, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer delete(s.editing, e.key)

	if s.closed {
		os.RemoveAll(e.tmpDir)
		return ErrClosed
	}

	s.gen++
	s.clock++
	row := indexRow{key: e.key, gen: s.gen, size: size, access: s.clock}
	target := s.entryDir(row.key, row.gen)
	if err := os.Rename(e.tmpDir, target); err != nil {
		os.RemoveAll(e.tmpDir)
		return fmt.Errorf("publish entry: %w", err)
	}

	old, existed, err := s.idx.upsert(ctx, row)
	if err != nil {
		os.RemoveAll(target)
		return fmt.Errorf("update index: %w", err)
	}
	if existed {
		os.RemoveAll(s.entryDir(old.key, old.gen))
		s.size -= old.size
	}
	s.size += size

	return s.trimLocked(ctx)
}

func (s *Store) release(key string) {
	s.mu.Lock()
	delete(s.editing, key)
	s.mu.Unlock()
}

// trimLocked 按访问时钟从旧到新淘汰，直到总大小不超过上限。
func (s *Store) trimLocked(ctx context.Context) error {
	for s.opts.MaxSize > 0 && s.size > s.opts.MaxSize {
		row, ok, err := s.idx.oldest(ctx)
		if err != nil {
			return fmt.Errorf("trim index: %w", err)
		}
		if !ok {
			s.size = 0
			return nil
		}
		if err := s.removeLocked(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) removeLocked(ctx context.Context, row indexRow) error {
	if err := s.idx.delete(ctx, row.key); err != nil {
		return fmt.Errorf("delete index row: %w", err)
	}
	s.size -= row.size
	if err := os.RemoveAll(s.entryDir(row.key, row.gen)); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

func (s *Store) entryDir(key string, gen int64) string {
	return filepath.Join(s.dir, entryName(key, gen))
}

func (s *Store) streamPath(key string, gen int64, index int) string {
	return filepath.Join(s.entryDir(key, gen), strconv.Itoa(index))
}

func entryName(key string, gen int64) string {
	return key + "." + strconv.FormatInt(gen, 10)
}

// Editor 把各个流写入私有临时目录，Commit 时整体发布。
type Editor struct {
	store   *Store
	key     string
	tmpDir  string
	written []bool
	done    bool
}

// Write 将 r 的内容写入第 index 个流，重复写入会覆盖。
func (e *Editor) Write(ctx context.Context, index int, r io.Reader) (int64, error) {
	if e.done {
		return 0, ErrEditorDone
	}
	if index < 0 || index >= len(e.written) {
		return 0, fmt.Errorf("stream index %d out of range", index)
	}

	f, err := os.Create(filepath.Join(e.tmpDir, strconv.Itoa(index)))
	if err != nil {
		return 0, err
	}
	n, err := copyWithContext(ctx, f, r)
	if err == nil {
		// 提交时的 rename 会发布这个文件，落盘前不能只停留在页缓存里
		err = f.Sync()
	}
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return n, err
	}
	e.written[index] = true
	return n, nil
}

// Commit 发布全部流；缺流或超出容量时放弃本次编辑并返回错误。
func (e *Editor) Commit(ctx context.Context) error {
	if e.done {
		return ErrEditorDone
	}
	var size int64
	for i, ok := range e.written {
		if !ok {
			e.Abort()
			return ErrIncompleteEdit
		}
		info, err := os.Stat(filepath.Join(e.tmpDir, strconv.Itoa(i)))
		if err != nil {
			e.Abort()
			return err
		}
		size += info.Size()
	}
	if limit := e.store.opts.MaxSize; limit > 0 && size > limit {
		e.Abort()
		return ErrEntryTooLarge
	}

	e.done = true
	return e.store.commit(ctx, e, size)
}

// Abort 丢弃编辑，可重复调用。
func (e *Editor) Abort() {
	if e.done {
		return
	}
	e.done = true
	os.RemoveAll(e.tmpDir)
	e.store.release(e.key)
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
