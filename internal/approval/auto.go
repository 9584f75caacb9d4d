package approval

// AutoApprover is a Callback that resolves every request immediately with a
// fixed verdict. Used in development setups and tests where no human is in
// the loop.
type AutoApprover struct {
	Verdict bool
}

// Deliver resolves the request directly.
func (a AutoApprover) Deliver(req *Request) error {
	to := StatusDenied
	if a.Verdict {
		to = StatusApproved
	}
	req.resolve(to)
	return nil
}
