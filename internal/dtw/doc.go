// Package dtw aligns MFCC sequences with Dynamic Time Warping and maps the
// alignment cost to a similarity score.
//
// Recurrence (master index i, user index j, Sakoe-Chiba band of width w):
//
//	cost[0][0] = dist(M[0], U[0])
//	cost[i][j] = dist(M[i], U[j]) + min(cost[i-1][j], cost[i][j-1], cost[i-1][j-1])   for |i-j| <= w
//
// dist is the Euclidean distance between frames. Every cell also carries the
// length of the path that reached it; among predecessors of equal cost the
// shorter path wins, which keeps Compare(M, U) and Compare(U, M) identical.
//
// Normalization and score:
//
//	normalized = cost / pathLength
//	score      = 1 / (1 + normalized/DistanceScale)
//
// The same map is used for every comparison, so scores from different master
// calls are comparable. A sequence compared with itself scores exactly 1.
//
// Modes:
//   - Compare: batch, rolling two columns, O(m·n) time, O(m) memory.
//   - CompareSubsequence: batch, the whole master against the best-matching
//     span of a longer user sequence (open begin and open end on the user side).
//   - Incremental: streaming, one column per pushed user frame, O(m)
//     per frame. The provisional score is open-ended: the best normalized cost
//     over master prefixes ending at the newest user frame. It approximates the
//     batch result, which remains the reference value.
package dtw
