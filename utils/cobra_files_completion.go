package utils

import (
	"cmp"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"
)

// CompleteFilesByExtension completes directories and files ending in one
// of extensions, relative to the directory typed so far.
func CompleteFilesByExtension(extensions ...string) func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		dir, prefix := filepath.Split(toComplete)
		entries, err := os.ReadDir(cmp.Or(dir, "."))
		if err != nil {
			return nil, cobra.ShellCompDirectiveError
		}

		var suggestions []string
		for _, e := range entries {
			name := e.Name()
			if strings.HasPrefix(name, ".") || !strings.HasPrefix(name, prefix) {
				continue
			}
			switch {
			case e.IsDir():
				suggestions = append(suggestions, dir+name+"/")
			case hasExtension(name, extensions):
				suggestions = append(suggestions, dir+name)
			}
		}
		slices.Sort(suggestions)
		return suggestions, cobra.ShellCompDirectiveNoFileComp | cobra.ShellCompDirectiveNoSpace
	}
}

func hasExtension(name string, extensions []string) bool {
	return slices.ContainsFunc(extensions, func(ext string) bool {
		return strings.HasSuffix(name, ext)
	})
}
