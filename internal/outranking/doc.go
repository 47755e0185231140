// Package outranking ranks competing items under several weighted criteria using a
// fuzzy outranking relation.
//
// The procedure is:
//
//  1. Normalize criterion weights by the largest weight, so every weight lies in (0,1].
//  2. For each criterion build an N×N "at least as good as" matrix from the raw evaluations
//     and attenuate it by raising every entry to the criterion's normalized weight.
//  3. Combine the per-criterion matrices with an elementwise minimum (conjunctive t-norm).
//  4. Derive the strict relation S[i][j] = max(G[i][j] - G[j][i], 0).
//  5. Repeatedly peel off the items with the highest non-dominance degree
//     (1 - strongest strict outranking held against them) until no item remains.
//  6. Assign positions per stratum: ties share a position and the next stratum starts at
//     the previous position plus the size of the previous stratum.
//
// Everything in this package is pure and deterministic. A *Ranker holds only immutable
// configuration and can be shared by concurrent callers.
package outranking
