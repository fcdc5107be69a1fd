// Package tail is the live observer client for reqbin.
//
// Client dials a bin's /bin/{id}/ws stream and hands each capture event to a
// callback. Events are decoded with gjson so unknown fields and future event
// types pass through without a schema change. Renderer prints captures to a
// terminal, coloring the method with fatih/color.
package tail
