package service

import (
	"context"

	"github.com/JonnyShabli/mediagrab/internal/apperr"
)

func cancelledErr(ctx context.Context) error {
	return apperr.Cancelled(ctx.Err())
}
