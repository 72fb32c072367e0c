//go:build tools

// Package gen pins the code generation binaries in go.mod.
package gen

import (
	_ "go.uber.org/mock/mockgen"
	_ "golang.org/x/tools/cmd/stringer"
)
