package shellrpc

import "github.com/nixos/vmtest-driver/internal/retry"

// WaitUntilSucceeds polls command with the given retry budget until it
// returns a zero exit status, returning its output. Returns a
// *retry.TimeoutError if the budget is exhausted.
func (c *Channel) WaitUntilSucceeds(budget retry.Budget, command string) (string, error) {
	c.log.Infof("waiting for success: %s", command)
	var output string
	err := budget.Do(func(last bool) (bool, error) {
		status, out, err := c.Execute(command)
		if err != nil {
			return false, err
		}
		output = out
		return status == 0, nil
	})
	return output, err
}

// WaitUntilFails polls command until it returns a non-zero exit status.
func (c *Channel) WaitUntilFails(budget retry.Budget, command string) (string, error) {
	c.log.Infof("waiting for failure: %s", command)
	var output string
	err := budget.Do(func(last bool) (bool, error) {
		status, out, err := c.Execute(command)
		if err != nil {
			return false, err
		}
		output = out
		return status != 0, nil
	})
	return output, err
}
