package mq

import (
	"fmt"

	"storystudio/domain"
)

const (
	BusinessExchange   = "ai.story.business.exchange"
	DeadLetterExchange = "ai.story.dlx.exchange"
	DeadLetterQueue    = "ai.story.dlx.queue"
	DeadLetterKey      = "dead.letter"
)

// Route binds one durable queue to the business exchange.
type Route struct {
	Queue      string
	RoutingKey string
}

var (
	RouteShotImage      = Route{Queue: "ai.story.batch.shot.image.queue", RoutingKey: "batch.shot.image"}
	RouteVideo          = Route{Queue: "ai.story.batch.video.queue", RoutingKey: "batch.video"}
	RouteCharacterImage = Route{Queue: "ai.story.batch.character.image.queue", RoutingKey: "batch.character.image"}
	RouteSceneImage     = Route{Queue: "ai.story.batch.scene.image.queue", RoutingKey: "batch.scene.image"}
	RoutePropImage      = Route{Queue: "ai.story.batch.prop.image.queue", RoutingKey: "batch.prop.image"}
	RouteTextParsing    = Route{Queue: "ai.story.text.parsing.queue", RoutingKey: "text.parsing"}
	RouteExport         = Route{Queue: "ai.story.export.zip.queue", RoutingKey: "export.zip"}
)

// Routes lists every business queue in declaration order.
var Routes = []Route{
	RouteShotImage,
	RouteVideo,
	RouteCharacterImage,
	RouteSceneImage,
	RoutePropImage,
	RouteTextParsing,
	RouteExport,
}

// RouteFor returns the queue a job type is dispatched to. Toolbox jobs run
// synchronously and have no queue.
func RouteFor(t domain.JobType) (Route, error) {
	switch t {
	case domain.JobGenShotImage:
		return RouteShotImage, nil
	case domain.JobGenVideo:
		return RouteVideo, nil
	case domain.JobGenCharImage:
		return RouteCharacterImage, nil
	case domain.JobGenSceneImage:
		return RouteSceneImage, nil
	case domain.JobGenPropImage:
		return RoutePropImage, nil
	case domain.JobParseText:
		return RouteTextParsing, nil
	case domain.JobExportZip:
		return RouteExport, nil
	}
	return Route{}, fmt.Errorf("no queue for job type %q", t)
}

func routeByQueue(queue string) (Route, bool) {
	if queue == DeadLetterQueue {
		return Route{Queue: DeadLetterQueue, RoutingKey: DeadLetterKey}, true
	}
	for _, r := range Routes {
		if r.Queue == queue {
			return r, true
		}
	}
	return Route{}, false
}
