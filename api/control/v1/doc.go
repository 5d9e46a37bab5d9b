// Package v1 contains the entity types shared by the control plane
// components. Every type that crosses a component boundary does so as a
// snapshot: callers receive deep copies, never references into component
// state.
package v1
