package anilist

const mediaFields = `
      id
      title { romaji english native }
      format
      season
      seasonYear
      status
      genres
      synonyms
      description(asHtml: false)
      averageScore
      popularity
      coverImage { large }
      siteUrl
      updatedAt`

const releasingQuery = `
query ($page: Int, $perPage: Int, $season: MediaSeason, $seasonYear: Int, $status: MediaStatus) {
  Page(page: $page, perPage: $perPage) {
    pageInfo { currentPage hasNextPage }
    media(season: $season, seasonYear: $seasonYear, status: $status, type: ANIME) {` + mediaFields + `
    }
  }
}`

const byIDQuery = `
query ($id: Int) {
  Media(id: $id, type: ANIME) {` + mediaFields + `
  }
}`
