// Package feed turns external publish signals into cms.PublishEvent values
// and hands them to a Publisher.
//
// Poller is the production source: the CMS writes each publish event to
// S3 as {prefix}/events/{revision}.json and then stores the revision in an
// SSM parameter. Poller watches the parameter and fetches the event when
// it changes.
//
// DirWatcher is the development source: it watches a local content
// directory and publishes a single-entity event whenever a document file
// is written.
package feed

import (
	"context"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/cms"
)

// Publisher receives events. events.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, ev cms.PublishEvent) int
}
