package main

import (
	"bytes"
	"path/filepath"
	"testing"
)

// cliOutput 收集 run 写往 stdout/stderr 的内容。
type cliOutput struct {
	out bytes.Buffer
	err bytes.Buffer
}

func captureCLI(t *testing.T) *cliOutput {
	t.Helper()
	captured := &cliOutput{}
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = &captured.out, &captured.err
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
	return captured
}

// fixturePath 指向 config 包的 testdata；go test 在包目录（仓库根）下运行。
func fixturePath(name string) string {
	return filepath.Join("internal", "config", "testdata", name)
}
