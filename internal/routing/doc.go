// Package routing holds the gateway's route table: path templates with
// {param} and trailing {*catchall} segments, the specificity ranking used to
// pick between overlapping templates, the load-time ambiguity check, and the
// atomic Store that lets a reload replace the whole table while requests keep
// matching against the snapshot they started with.
package routing
