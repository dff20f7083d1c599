package domain

// Trigger topics published after a successful write.
const (
	TopicTradeInserted    = "trades.inserted"
	TopicResolvedInserted = "resolutions.inserted"
	TopicWhaleTrade       = "alerts.whale"
	TopicConvergence      = "alerts.convergence"
)
