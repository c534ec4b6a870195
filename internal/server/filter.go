package server

import (
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/tierfetch/tierfetch/internal/mimefilter"
)

type filterPayload struct {
	Policy string   `json:"policy"`
	Types  []string `json:"types"`
}

func encodeFilter(filter *mimefilter.Filter) filterPayload {
	return filterPayload{
		Policy: string(filter.Policy()),
		Types:  filter.Types(),
	}
}

// registerFilterRoutes 暴露 /-/filter，运行时增删媒体类型。
func registerFilterRoutes(app *fiber.App, filter *mimefilter.Filter, logger *logrus.Logger) {
	app.Get("/-/filter", func(c fiber.Ctx) error {
		return c.JSON(encodeFilter(filter))
	})

	app.Put("/-/filter", func(c fiber.Ctx) error {
		mimeType := strings.Clone(strings.TrimSpace(c.Query("type")))
		if mimeType == "" || !strings.Contains(mimeType, "/") {
			return writeError(c, fiber.StatusBadRequest, "type_required")
		}
		filter.Add(mimeType)
		logger.WithFields(logrus.Fields{"action": "filter_add", "type": mimeType, "request_id": RequestID(c)}).Info("filter_updated")
		return c.JSON(encodeFilter(filter))
	})

	app.Delete("/-/filter", func(c fiber.Ctx) error {
		mimeType := strings.Clone(strings.TrimSpace(c.Query("type")))
		if mimeType == "" {
			return writeError(c, fiber.StatusBadRequest, "type_required")
		}
		filter.Remove(mimeType)
		logger.WithFields(logrus.Fields{"action": "filter_remove", "type": mimeType, "request_id": RequestID(c)}).Info("filter_updated")
		return c.JSON(encodeFilter(filter))
	})
}
