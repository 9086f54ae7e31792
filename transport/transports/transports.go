// Package transports registers every bundled backend with the default
// registry. Import it for its side effects.
package transports

import (
	_ "github.com/drblury/busflow/transport/aws"
	_ "github.com/drblury/busflow/transport/channel"
	_ "github.com/drblury/busflow/transport/http"
	_ "github.com/drblury/busflow/transport/inprocess"
	_ "github.com/drblury/busflow/transport/jetstream"
	_ "github.com/drblury/busflow/transport/kafka"
	_ "github.com/drblury/busflow/transport/nats"
	_ "github.com/drblury/busflow/transport/postgres"
	_ "github.com/drblury/busflow/transport/rabbitmq"
	_ "github.com/drblury/busflow/transport/redisstream"
	_ "github.com/drblury/busflow/transport/sqlite"
)
