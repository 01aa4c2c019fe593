package classifier

import (
	"context"
	"log"
	"strings"
)

// Directory answers the commerce lookups the classifier needs.
type Directory interface {
	OrderExists(ctx context.Context, orderID int64) (bool, error)
	CustomerIDByEmail(ctx context.Context, email string) (int64, bool, error)
	LatestOrderCustomerByEmail(ctx context.Context, email string) (int64, bool, error)
}

// Input is what the classifier looks at.
type Input struct {
	FromAddress string
	Subject     string
	Body        string // HTML or plain
}

// Classifier analyzes inbound support mail.
type Classifier struct {
	ai     Completer
	dir    Directory
	logger *log.Logger
}

// Option customizes a Classifier.
type Option func(*Classifier)

// WithCompleter enables the language model path.
func WithCompleter(c Completer) Option {
	return func(cl *Classifier) {
		cl.ai = c
	}
}

// WithDirectory sets the order and customer lookup.
func WithDirectory(d Directory) Option {
	return func(cl *Classifier) {
		cl.dir = d
	}
}

// WithLogger overrides the diagnostics logger.
func WithLogger(l *log.Logger) Option {
	return func(cl *Classifier) {
		if l != nil {
			cl.logger = l
		}
	}
}

// New builds a Classifier. Without a Completer only heuristics are used.
func New(opts ...Option) *Classifier {
	c := &Classifier{logger: log.New(log.Writer(), "[CLASSIFIER] ", log.LstdFlags)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AIEnabled reports whether a language model is configured.
func (c *Classifier) AIEnabled() bool {
	return c.ai != nil
}

// Analyze never fails: when the model is unavailable or its reply cannot be
// used, the keyword heuristics decide. Order and customer are always
// backfilled from the text and the directory.
func (c *Classifier) Analyze(ctx context.Context, in Input) Analysis {
	text := PlainText(in.Body)

	analysis, err := c.aiAnalysis(ctx, in, text)
	if err != nil {
		if err != errNoModel {
			c.logger.Printf("model classification unavailable for %s: %v", in.FromAddress, err)
		}
		analysis = heuristicAnalysis(in.Subject, text)
	}

	if analysis.OrderID != nil && c.dir != nil {
		ok, err := c.dir.OrderExists(ctx, *analysis.OrderID)
		if err != nil || !ok {
			analysis.OrderID = nil
		}
	}
	if analysis.OrderID == nil {
		id, err := resolveOrder(ctx, c.dir, OrderCandidates(in.Subject+"\n"+text))
		if err != nil {
			c.logger.Printf("order lookup failed: %v", err)
		}
		analysis.OrderID = id
	}

	if analysis.CustomerID == nil {
		analysis.CustomerID = c.lookupCustomer(ctx, in.FromAddress)
	}
	return analysis
}

func (c *Classifier) aiAnalysis(ctx context.Context, in Input, text string) (Analysis, error) {
	if c.ai == nil {
		return Analysis{}, errNoModel
	}
	reply, err := c.ai.Complete(ctx, systemPrompt, userPrompt(in.Subject, in.FromAddress, text))
	if err != nil {
		return Analysis{}, err
	}
	return parseAIReply(reply)
}

func (c *Classifier) lookupCustomer(ctx context.Context, email string) *int64 {
	email = strings.ToLower(strings.TrimSpace(email))
	if c.dir == nil || email == "" {
		return nil
	}
	if id, ok, err := c.dir.CustomerIDByEmail(ctx, email); err != nil {
		c.logger.Printf("customer lookup for %s failed: %v", email, err)
	} else if ok {
		return &id
	}
	if id, ok, err := c.dir.LatestOrderCustomerByEmail(ctx, email); err != nil {
		c.logger.Printf("order customer lookup for %s failed: %v", email, err)
	} else if ok {
		return &id
	}
	return nil
}

type classifierError string

func (e classifierError) Error() string { return string(e) }

const errNoModel = classifierError("no model configured")
