// Package dedupe remembers which span ids an agent has already handled so a
// span appended twice by an at-least-once writer triggers only one transition.
package dedupe
