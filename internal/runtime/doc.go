/*
Package runtime is the message processing engine behind busflow.

# Architecture Overview

A Bus owns one MessagePump per queue. Each pump receives a message from a
transport.Receiver, hands it to a DispatchFunc and completes or abandons it
depending on the outcome. Three dispatch functions exist:

  - Dispatcher.Dispatch for commands and requests (exactly one handler per type)
  - Dispatcher.DispatchEvent for events (any number of handlers per type)
  - Correlator.OnReplyReceived for the bus's private reply queue

Outbound messages go through a SenderPool of BatchingSenders, one per
destination, that flush on size, byte and interval thresholds.

# Package Structure

## Bus (bus.go, registration.go, status.go)

New resolves the transport from the registry, Start provisions queues and
starts the pumps, Stop drains them, fails pending requests and gives up on
unflushed sends. Typed helpers register handlers by payload type:

  - RegisterCommandHandler / HandleCommand
  - RegisterRequestHandler / HandleRequest
  - RegisterEventHandler / HandleEvent

## Dispatch (dispatcher.go, handler_registry.go, interceptor.go)

Every dispatch builds a fresh interceptor chain. Before-hooks run in
registration order, after-hooks in reverse, and every interceptor whose
before-hook ran sees exactly one after-hook.

## Long-running handlers (longrunning.go)

Handlers implementing LongRunning run under a Supervisor that renews the
message lock at a fraction of the remaining lock time and cancels the
handler when renewal fails or the maximum duration elapses.

## Request/response (correlator.go, message_factory.go)

Requests carry ReplyTo and CorrelationID. The responder replies with a
success or failure response; the first reply for a correlation id resolves
the waiting caller and later duplicates are dropped.

## Monitoring (metrics.go, stats.go, interceptors.go, hooks.go)

Prometheus collectors under the "busflow" namespace, in-process per type
statistics, OpenTelemetry spans and job lifecycle hooks.

# Sub-packages

  - config/: bus configuration with YAML and environment loading
  - errors/: sentinel errors, typed errors and error classification
  - ids/: ULID generation for message ids and lock tokens
  - jsoncodec/: JSON encoding backed by sonic
  - logging/: ServiceLogger and its slog and Watermill adapters
  - metadata/: property keys and helpers
  - serializer/: body serializers (JSON, protobuf, protojson)
*/
package runtime
