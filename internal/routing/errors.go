package routing

import (
	"errors"
	"fmt"
)

// ErrNoRoute is matched by every *NoRouteError via errors.Is.
var ErrNoRoute = errors.New("no route")

// NoRouteError reports that no rule accepts the method/path pair.
type NoRouteError struct {
	Method string
	Path   string
}

func (e *NoRouteError) Error() string {
	return fmt.Sprintf("no route for %s %s", e.Method, e.Path)
}

// Is makes errors.Is(err, ErrNoRoute) work.
func (e *NoRouteError) Is(target error) bool {
	return target == ErrNoRoute
}
