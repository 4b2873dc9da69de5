// Package plant defines the system model layer: state and control vector
// types, the System interface for continuous-time controlled dynamics with
// an economic stage cost, fixed-step RK4 discretization, finite-difference
// derivative helpers, and the built-in benchmark models.
package plant
