// Package events consumes image upload notifications from RabbitMQ and
// associates the uploaded images with their owners.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/motivearchive/internal/common"
	"github.com/dmitrijs2005/motivearchive/internal/ids"
	"github.com/dmitrijs2005/motivearchive/internal/server/models"
	"github.com/go-playground/validator/v10"
	"github.com/rabbitmq/amqp091-go"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// ImageUploadedMessage announces an image stored by another service.
type ImageUploadedMessage struct {
	OwnerKind string `json:"owner_kind" validate:"required"`
	OwnerID   string `json:"owner_id" validate:"required"`
	ImageID   string `json:"image_id" validate:"required"`
}

// Associator links an existing image to an owner.
type Associator interface {
	Associate(ctx context.Context, ref models.OwnerRef, imageID bson.ObjectID) error
}

// NackError rejects a message that will never succeed. Any other error
// returned by ProcessMessage requeues the message.
type NackError struct {
	Reason string
}

func (e *NackError) Error() string {
	return "nack: " + e.Reason
}

func newNack(format string, args ...any) error {
	return &NackError{Reason: fmt.Sprintf(format, args...)}
}

type Handler struct {
	app      Associator
	validate *validator.Validate
}

func NewHandler(app Associator) *Handler {
	return &Handler{app: app, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// ProcessMessage handles one delivery. It does not acknowledge it.
func (h *Handler) ProcessMessage(ctx context.Context, msg amqp091.Delivery) error {
	m := &ImageUploadedMessage{}
	if err := json.Unmarshal(msg.Body, m); err != nil {
		return newNack("invalid input")
	}
	if err := h.validate.Struct(m); err != nil {
		return newNack("invalid input: %v", err)
	}

	kind, err := models.ParseOwnerKind(m.OwnerKind)
	if err != nil {
		return newNack("%v", err)
	}
	ownerID, err := ids.Normalize(m.OwnerID)
	if err != nil {
		return newNack("owner id: %v", err)
	}
	imageID, err := ids.Normalize(m.ImageID)
	if err != nil {
		return newNack("image id: %v", err)
	}

	err = h.app.Associate(ctx, models.OwnerRef{Kind: kind, ID: ownerID}, imageID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, common.ErrorNotFound),
		errors.Is(err, common.ErrOwnershipConflict):
		return newNack("unprocessable entity: %v", err)
	}
	return err
}
