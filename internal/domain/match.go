package domain

import "context"

// Match is a listing that satisfied one of a strategy's conditions.
type Match struct {
	Listing    Listing
	Label      string
	Confidence int
	// RecommendedSide is the matcher's heuristic pick. It is advisory;
	// the side resolver decides what is actually staked.
	RecommendedSide Side
}

// SideOpinion is an oracle's verdict on which side to take. Whether the
// opinion is acted on depends on the match's confidence, not the oracle's.
type SideOpinion struct {
	Side       Side
	HasOpinion bool
}

// SideOracle advises on the side of a stake. Implementations may consult
// external models; the stub implementation never has an opinion.
type SideOracle interface {
	Advise(ctx context.Context, listing Listing) (SideOpinion, error)
}
