//go:build !unix

package main

import (
	"context"

	"jobqueue/internal/app"
)

func watchAttackSignal(context.Context, *app.App) func() { return func() {} }
