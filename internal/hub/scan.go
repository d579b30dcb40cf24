package hub

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bustesoul/varmanager/internal/resolver"
	"github.com/bustesoul/varmanager/internal/store"
)

// MissingDependencies returns the distinct set of dependency references
// recorded against any indexed package that don't resolve to an installed
// record. When explicit is non-empty it is used verbatim instead of
// consulting the store, matching the "hub_missing_scan" job's optional
// package list.
func MissingDependencies(ctx context.Context, st *store.Store, explicit []string) ([]string, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}

	edges, err := st.ListAllDependencies(ctx)
	if err != nil {
		return nil, fmt.Errorf("hub: listing dependencies: %w", err)
	}

	seen := make(map[string]bool, len(edges))
	var refs []string
	for _, e := range edges {
		if e.DependencyRef == "" || seen[e.DependencyRef] {
			continue
		}
		seen[e.DependencyRef] = true
		refs = append(refs, e.DependencyRef)
	}
	sort.Strings(refs)

	var missing []string
	for _, ref := range refs {
		res, err := resolver.Resolve(ctx, st, ref)
		if err != nil {
			return nil, fmt.Errorf("hub: resolving %s: %w", ref, err)
		}
		if res.Outcome == resolver.Missing {
			missing = append(missing, ref)
		}
	}
	return missing, nil
}

// UpdatesScan compares the hub's package index against the newest installed
// version of every base package that has one, returning the "latest"
// symbolic reference of each base with a newer hub version available.
func (c *Client) UpdatesScan(ctx context.Context, st *store.Store) ([]string, error) {
	index, err := c.FetchPackageIndex(ctx)
	if err != nil {
		return nil, err
	}

	newestHubVersion := map[string]int{}
	for filename := range index {
		name := strings.TrimSuffix(filename, ".var")
		base, version, ok := splitVarVersion(name)
		if !ok {
			continue
		}
		ver, err := strconv.Atoi(version)
		if err != nil {
			continue
		}
		if cur, ok := newestHubVersion[base]; !ok || ver > cur {
			newestHubVersion[base] = ver
		}
	}

	var toUpdate []string
	for base, hubVersion := range newestHubVersion {
		latestRef := base + "." + "latest"
		res, err := resolver.Resolve(ctx, st, latestRef)
		if err != nil {
			return nil, fmt.Errorf("hub: resolving %s: %w", latestRef, err)
		}
		if res.Outcome == resolver.Missing {
			continue
		}
		_, localVersion, ok := splitVarVersion(res.Name)
		if !ok {
			continue
		}
		localVer, err := strconv.Atoi(localVersion)
		if err != nil {
			continue
		}
		if hubVersion > localVer {
			toUpdate = append(toUpdate, latestRef)
		}
	}
	sort.Strings(toUpdate)
	return toUpdate, nil
}
