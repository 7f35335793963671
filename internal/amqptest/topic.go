package amqptest

import "strings"

// topicMatch reports whether a binding pattern matches a routing key.
// "*" matches exactly one word and "#" matches zero or more words.
func topicMatch(pattern string, routingKey string) bool {
	if pattern == "" {
		return routingKey == ""
	}
	if pattern == "#" {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	routingParts := strings.Split(routingKey, ".")
	if routingKey == "" {
		routingParts = []string{}
	}
	return matchParts(patternParts, routingParts)
}

// matchParts matches iteratively, backtracking over the word counts "#" may absorb.
func matchParts(patternParts, routingParts []string) bool {
	type state struct {
		pi, ri int
	}
	stack := []state{{0, 0}}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		pi, ri := current.pi, current.ri

		if pi >= len(patternParts) && ri >= len(routingParts) {
			return true
		}
		if pi >= len(patternParts) {
			continue
		}
		if ri >= len(routingParts) {
			rest := patternParts[pi:]
			allHash := true
			for _, p := range rest {
				if p != "#" {
					allHash = false
					break
				}
			}
			if allHash {
				return true
			}
			continue
		}

		switch patternParts[pi] {
		case "#":
			for i := len(routingParts); i >= ri; i-- {
				stack = append(stack, state{pi + 1, i})
			}
		case "*":
			stack = append(stack, state{pi + 1, ri + 1})
		default:
			if patternParts[pi] == routingParts[ri] {
				stack = append(stack, state{pi + 1, ri + 1})
			}
		}
	}
	return false
}
