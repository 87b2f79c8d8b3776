package handlers

import (
	"context"

	"github.com/andyguoau/scamvax-api/internal/models"
	"github.com/andyguoau/scamvax-api/internal/shares"
)

// ShareService captures the lifecycle operations exposed over HTTP.
type ShareService interface {
	Create(ctx context.Context, req shares.CreateRequest) (models.Share, error)
	Access(ctx context.Context, id string) (shares.AccessResult, error)
	Probe(ctx context.Context, id string) (shares.ProbeResult, error)
}
