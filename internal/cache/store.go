package cache

import (
	"errors"
	"io"
	"os"
	"regexp"
)

// 磁盘布局：
//
//	<Dir>/index.db             # sqlite 索引：版本头、条目代数、大小与访问时钟
//	<Dir>/<key>.<gen>/0        # 流 0（元数据）
//	<Dir>/<key>.<gen>/1        # 流 1（正文）
//	<Dir>/.edit-*/             # 尚未提交的编辑，重启时清理
//
// 每次提交产生新的代数目录，索引在一个事务内切换到新目录，因此读者永远看不到半写入的条目。

// Options 描述一个磁盘缓存实例。
type Options struct {
	Dir string
	// AppVersion 变化时整个目录被清空重建。
	AppVersion int
	// ValueCount 是每个条目的流数量。
	ValueCount int
	// MaxSize 是所有条目字节数之和的上限，<=0 表示不限制。
	MaxSize int64
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrEditInProgress 表示同一 key 已有编辑器，调用方应跳过本次写入。
	ErrEditInProgress = errors.New("cache entry is being edited")
	// ErrClosed 表示存储已关闭。
	ErrClosed = errors.New("cache store closed")
	// ErrEntryTooLarge 表示单个条目超过容量上限。
	ErrEntryTooLarge = errors.New("cache entry exceeds store size")
	// ErrIncompleteEdit 表示提交时仍有流未写入。
	ErrIncompleteEdit = errors.New("cache edit missing streams")
	// ErrEditorDone 表示编辑器已提交或放弃。
	ErrEditorDone = errors.New("cache editor already finished")
	// ErrInvalidKey 表示 key 不满足 [a-z0-9_-]{1,120}。
	ErrInvalidKey = errors.New("invalid cache key")
)

var keyPattern = regexp.MustCompile(`^[a-z0-9_-]{1,120}$`)

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return ErrInvalidKey
	}
	return nil
}

// Snapshot 是某一时刻条目各个流的只读视图，使用完毕需 Close。
type Snapshot struct {
	Key     string
	files   []*os.File
	lengths []int64
}

// Reader 返回第 index 个流；越界时返回 nil。
func (s *Snapshot) Reader(index int) io.Reader {
	if index < 0 || index >= len(s.files) {
		return nil
	}
	return s.files[index]
}

// Length 返回第 index 个流的字节数。
func (s *Snapshot) Length(index int) int64 {
	if index < 0 || index >= len(s.lengths) {
		return 0
	}
	return s.lengths[index]
}

func (s *Snapshot) Close() error {
	var firstErr error
	for _, f := range s.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
